package listing

import "strings"

// Markets is the configured set of watched marketplace accounts plus their
// display labels. Addresses are compared case-insensitively.
type Markets struct {
	accounts []string          // normalized, configured order
	labels   map[string]string // normalized account -> human label
}

func NewMarkets(accounts []string, labels map[string]string) *Markets {
	m := &Markets{labels: make(map[string]string, len(labels))}
	for _, a := range accounts {
		a = normalizeAccount(a)
		if a != "" {
			m.accounts = append(m.accounts, a)
		}
	}
	for id, label := range labels {
		m.labels[normalizeAccount(id)] = label
	}
	return m
}

// Accounts returns the watched accounts in configured order. Recent-sales
// scans iterate this slice, so the order is stable across calls.
func (m *Markets) Accounts() []string {
	return m.accounts
}

func (m *Markets) Contains(addr string) bool {
	addr = normalizeAccount(addr)
	for _, a := range m.accounts {
		if a == addr {
			return true
		}
	}
	return false
}

// Label returns the configured display label for a market account, or the
// generic "Market" when only the raw identifier is known.
func (m *Markets) Label(addr string) string {
	if label, ok := m.labels[normalizeAccount(addr)]; ok && label != "" {
		return label
	}
	return "Market"
}

func normalizeAccount(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}
