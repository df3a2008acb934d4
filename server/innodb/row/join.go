package row

import "context"

// JoinStep 嵌套循环连接的一层，根据外层已匹配的行构造本层的扫描；返回nil表示本层无行
type JoinStep func(outer []*Row) *Prebuilt

// Join 按steps顺序做嵌套循环连接，每得到一组完整的行调用一次emit。
// 每层的扫描在外层的每一行上重新打开。
func (s *Searcher) Join(ctx context.Context, steps []JoinStep, emit func(rows []*Row) error) error {
	return s.join(ctx, steps, nil, emit)
}

func (s *Searcher) join(ctx context.Context, steps []JoinStep, outer []*Row, emit func([]*Row) error) error {
	if len(steps) == 0 {
		return emit(outer)
	}
	pb := steps[0](outer)
	if pb == nil {
		return nil
	}
	s.Open(pb)
	defer s.Close(pb)
	for {
		st, row, err := s.Next(ctx, pb)
		if err != nil {
			return err
		}
		if st != RowFound {
			return nil
		}
		rows := append(outer[:len(outer):len(outer)], row)
		if err := s.join(ctx, steps[1:], rows, emit); err != nil {
			return err
		}
	}
}
