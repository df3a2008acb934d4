package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

func TestReadView(t *testing.T) {
	// 创建测试场景
	activeIDs := []basic.TrxID{5, 2, 3, 4}
	rv := NewReadView(activeIDs, 6, 10, 4)

	t.Run("基本属性测试", func(t *testing.T) {
		assert.Equal(t, basic.TrxID(2), rv.UpLimitID())
		assert.Equal(t, basic.TrxID(6), rv.LowLimitID())
		assert.Equal(t, basic.TrxNo(10), rv.LowLimitNo())
		assert.Equal(t, basic.TrxID(4), rv.CreatorTrxID())
		assert.Equal(t, []basic.TrxID{2, 3, 5}, rv.ActiveIDs(), "sorted, creator excluded")
	})

	t.Run("可见性规则测试", func(t *testing.T) {
		// 当前事务创建的版本
		assert.True(t, rv.ChangesVisible(4))
		// 小于最小活跃事务ID的版本
		assert.True(t, rv.ChangesVisible(1))
		// 大于等于下一个要分配的事务ID的版本
		assert.False(t, rv.ChangesVisible(6))
		assert.False(t, rv.ChangesVisible(7))
		// 活跃事务列表中的版本
		assert.False(t, rv.ChangesVisible(2))
		assert.False(t, rv.ChangesVisible(3))
		assert.False(t, rv.ChangesVisible(5))
	})

	t.Run("边界条件测试", func(t *testing.T) {
		// 空活跃事务列表
		emptyRv := NewReadView(nil, 2, 1, 1)
		assert.True(t, emptyRv.ChangesVisible(1))
		assert.False(t, emptyRv.ChangesVisible(2))
		assert.Equal(t, basic.TrxID(2), emptyRv.UpLimitID())
	})

	t.Run("复杂场景测试", func(t *testing.T) {
		complexRv := NewReadView([]basic.TrxID{2, 4, 6, 8}, 10, 1, 5)
		visibilityTests := []struct {
			version  basic.TrxID
			expected bool
		}{
			{1, true},   // 小于最小活跃事务ID
			{2, false},  // 在活跃列表中
			{3, true},   // 不在活跃列表中且在范围内
			{4, false},  // 在活跃列表中
			{5, true},   // 当前事务ID
			{6, false},  // 在活跃列表中
			{7, true},   // 不在活跃列表中且在范围内
			{8, false},  // 在活跃列表中
			{9, true},   // 不在活跃列表中且在范围内
			{10, false}, // 等于lowLimitID
			{11, false}, // 大于lowLimitID
		}
		for _, tt := range visibilityTests {
			assert.Equal(t, tt.expected, complexRv.ChangesVisible(tt.version),
				"version %d should have visibility %v", tt.version, tt.expected)
		}
	})

	t.Run("二级索引页快速判断", func(t *testing.T) {
		assert.True(t, rv.SecondaryPageVisible(1))
		assert.False(t, rv.SecondaryPageVisible(2))
	})

	t.Run("克隆互不影响", func(t *testing.T) {
		c := rv.Clone()
		c.activeIDs[0] = 99
		assert.Equal(t, basic.TrxID(2), rv.ActiveIDs()[0])
	})
}
