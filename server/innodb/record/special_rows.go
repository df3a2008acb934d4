package record

// 每个叶子页逻辑上的首尾哨兵记录，不参与键比较
var (
	infimum  = &Record{Status: StatusInfimum}
	supremum = &Record{Status: StatusSupremum}
)

// Infimum 最小哨兵
func Infimum() *Record {
	return infimum
}

// Supremum 最大哨兵
func Supremum() *Record {
	return supremum
}
