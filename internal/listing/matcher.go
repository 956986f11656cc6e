package listing

import "strings"

// Matches reports whether a listing should be alerted under the user's
// filters. Nil filters match everything: the preference store is an optional
// collaborator and its absence fails open. All conditions are conjunctive.
// An inverted range (min > max) can never satisfy both bounds and therefore
// matches nothing.
func Matches(l Listing, f *Filters) bool {
	if f == nil {
		return true
	}
	if f.Tab != TabListing {
		return false
	}
	if !l.HasPrice {
		return false
	}
	if l.Price.Cmp(f.MinTon) < 0 || l.Price.Cmp(f.MaxTon) > 0 {
		return false
	}
	if len(f.Models) > 0 {
		if l.Model == "" {
			return false
		}
		ok := false
		for _, m := range f.Models {
			if strings.EqualFold(m, l.Model) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
