package storage

// LPush prepends values to the list at key and returns its new length.
// Values are inserted one after another, so the last value ends up first.
func (s *MemoryStorage) LPush(key string, values ...[]byte) (int64, error) {
	return s.push(key, values, true)
}

// RPush appends values to the list at key and returns its new length
func (s *MemoryStorage) RPush(key string, values ...[]byte) (int64, error) {
	return s.push(key, values, false)
}

func (s *MemoryStorage) push(key string, values [][]byte, left bool) (int64, error) {
	var length int64
	err := s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur == nil {
			cur = NewListValue(nil, nil)
		}
		list, ok := cur.Data.(*ListValue)
		if !ok {
			return nil, false, ErrWrongType
		}

		if left {
			elems := make([][]byte, 0, len(values)+len(list.Elements))
			for i := len(values) - 1; i >= 0; i-- {
				elems = append(elems, append([]byte(nil), values[i]...))
			}
			list.Elements = append(elems, list.Elements...)
		} else {
			for _, v := range values {
				list.Elements = append(list.Elements, append([]byte(nil), v...))
			}
		}

		length = int64(len(list.Elements))
		return cur, true, nil
	})
	return length, err
}

// LPop removes and returns up to count elements from the head of the list.
// A count below 1 pops a single element. A missing key returns nil.
func (s *MemoryStorage) LPop(key string, count int) ([][]byte, error) {
	return s.pop(key, count, true)
}

// RPop removes and returns up to count elements from the tail of the list
func (s *MemoryStorage) RPop(key string, count int) ([][]byte, error) {
	return s.pop(key, count, false)
}

func (s *MemoryStorage) pop(key string, count int, left bool) ([][]byte, error) {
	if count < 1 {
		count = 1
	}
	var popped [][]byte
	err := s.update(key, func(cur *Value) (*Value, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		list, ok := cur.Data.(*ListValue)
		if !ok {
			return nil, false, ErrWrongType
		}

		n := min(count, len(list.Elements))
		if left {
			popped = list.Elements[:n:n]
			list.Elements = list.Elements[n:]
		} else {
			rest := len(list.Elements) - n
			popped = make([][]byte, 0, n)
			for i := len(list.Elements) - 1; i >= rest; i-- {
				popped = append(popped, list.Elements[i])
			}
			list.Elements = list.Elements[:rest]
		}

		// Empty lists do not exist
		if len(list.Elements) == 0 {
			return nil, true, nil
		}
		return cur, true, nil
	})
	return popped, err
}

// LRange returns the elements between start and stop inclusive. Negative
// indexes count from the tail.
func (s *MemoryStorage) LRange(key string, start, stop int64) ([][]byte, error) {
	var result [][]byte
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return nil
		}
		list, ok := cur.Data.(*ListValue)
		if !ok {
			return ErrWrongType
		}

		n := int64(len(list.Elements))
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if start > stop || start >= n {
			return nil
		}

		result = make([][]byte, 0, stop-start+1)
		for _, e := range list.Elements[start : stop+1] {
			result = append(result, append([]byte(nil), e...))
		}
		return nil
	})
	if result == nil && err == nil {
		result = [][]byte{}
	}
	return result, err
}

// LLen returns the length of the list at key, 0 if it does not exist
func (s *MemoryStorage) LLen(key string) (int64, error) {
	var length int64
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return nil
		}
		list, ok := cur.Data.(*ListValue)
		if !ok {
			return ErrWrongType
		}
		length = int64(len(list.Elements))
		return nil
	})
	return length, err
}

// LIndex returns the element at index, or ErrNotFound when out of range
func (s *MemoryStorage) LIndex(key string, index int64) ([]byte, error) {
	var result []byte
	err := s.view(key, func(cur *Value) error {
		if cur == nil {
			return ErrNotFound
		}
		list, ok := cur.Data.(*ListValue)
		if !ok {
			return ErrWrongType
		}
		n := int64(len(list.Elements))
		if index < 0 {
			index += n
		}
		if index < 0 || index >= n {
			return ErrNotFound
		}
		result = append([]byte(nil), list.Elements[index]...)
		return nil
	})
	return result, err
}
