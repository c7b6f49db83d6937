package scan

// DefaultCount is the page size used when SCAN has no COUNT option.
const DefaultCount = 10

// Page is one step of a cursor based scan.
type Page struct {
	Keys   []string
	Cursor uint64 // Cursor of the next page; 0 once the scan is complete.
}

// Paginate returns the page of the sorted `keys` starting at `cursor`, the number of keys examined so far.
// Like Redis, `count` bounds the examined keys and `match` filters them afterwards, so a page may be empty while
// the scan goes on.
func Paginate(keys []string, cursor uint64, count int, match Matcher) Page {
	if count <= 0 {
		count = DefaultCount
	}
	if cursor >= uint64(len(keys)) {
		return Page{Keys: []string{}}
	}
	end := len(keys)
	if count < end-int(cursor) {
		end = int(cursor) + count
	}
	page := Page{Keys: make([]string, 0, end-int(cursor))}
	for _, key := range keys[cursor:end] {
		if match == nil || match(key) {
			page.Keys = append(page.Keys, key)
		}
	}
	if end < len(keys) {
		page.Cursor = uint64(end)
	}
	return page
}
