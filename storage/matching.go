package storage

// MatchPattern reports whether key matches a Redis glob pattern.
//
// Supported syntax:
//   - * matches any sequence of bytes, including none
//   - ? matches exactly one byte
//   - [abc], [a-z] and [^abc] match one byte from (or outside) a set
//   - \x matches x literally
func MatchPattern(key, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return matchGlob(key, pattern)
}

// matchGlob backtracks only to the most recent star
func matchGlob(str, pattern string) bool {
	var (
		s, p         int
		starP, starS = -1, -1
	)

	for s < len(str) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				// Collapse consecutive stars
				for p < len(pattern) && pattern[p] == '*' {
					p++
				}
				if p == len(pattern) {
					return true
				}
				starP, starS = p, s
				continue
			case '?':
				s++
				p++
				continue
			case '[':
				if next, ok := matchClass(pattern, p, str[s]); ok {
					s++
					p = next
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == str[s] {
					s++
					p += 2
					continue
				}
			default:
				if pattern[p] == str[s] {
					s++
					p++
					continue
				}
			}
		}

		// Mismatch: retry from the last star consuming one more byte
		if starP < 0 {
			return false
		}
		starS++
		s = starS
		p = starP
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches c against the character class starting at
// pattern[p] == '['. It returns the index just past the class.
func matchClass(pattern string, p int, c byte) (int, bool) {
	p++
	negate := false
	if p < len(pattern) && pattern[p] == '^' {
		negate = true
		p++
	}

	matched := false
	for p < len(pattern) && pattern[p] != ']' {
		switch {
		case pattern[p] == '\\' && p+1 < len(pattern):
			p++
			if pattern[p] == c {
				matched = true
			}
			p++
		case p+2 < len(pattern) && pattern[p+1] == '-' && pattern[p+2] != ']':
			lo, hi := pattern[p], pattern[p+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			p += 3
		default:
			if pattern[p] == c {
				matched = true
			}
			p++
		}
	}

	// Unterminated classes match like Redis: up to the end of the pattern
	if p < len(pattern) {
		p++
	}
	return p, matched != negate
}
