package convert

// ToStringSlice converts common slice representations to []string, used for
// the list<string> field kind.
func ToStringSlice(v interface{}) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			result[i] = s
		}
		return result, true
	}
	return nil, false
}

// ToInt64Slice converts common slice representations to []int64, used for
// the list<int64> field kind.
func ToInt64Slice(v interface{}) ([]int64, bool) {
	switch val := v.(type) {
	case []int64:
		return val, true
	case []interface{}:
		result := make([]int64, len(val))
		for i, item := range val {
			n, ok := ToInt64(item)
			if !ok {
				return nil, false
			}
			result[i] = n
		}
		return result, true
	}
	return nil, false
}
