package engine

import (
	"net/netip"

	"github.com/phemmer/go-iptrie"

	"reqshield/internal/config"
)

// Whitelist matches client ids that are IP addresses against static
// addresses, CIDR ranges and, optionally, private and loopback networks.
type Whitelist struct {
	trie    *iptrie.Trie
	private bool
	size    int
}

func buildWhitelist(cfg *config.Config) (*Whitelist, error) {
	w := &Whitelist{trie: iptrie.NewTrie(), private: cfg.Whitelist.PrivateNetworks}
	for _, raw := range cfg.Whitelist.IPs {
		prefix, err := config.ParseWhitelistEntry(raw)
		if err != nil {
			return nil, err
		}
		w.trie.Insert(prefix, true)
		w.size++
	}
	return w, nil
}

func (w *Whitelist) Contains(clientID string) bool {
	if w == nil {
		return false
	}
	addr, err := netip.ParseAddr(clientID)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if w.private && (addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
		return true
	}
	if w.size == 0 {
		return false
	}
	return w.trie.Find(addr) != nil
}
