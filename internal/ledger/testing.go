package ledger

// SeedBalance is a test helper that overwrites a committed wallet balance when using the
// in-memory store. It bypasses the ledger, so conservation checks must account for it.
func SeedBalance(s Store, walletID, amount int64) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if w, ok := mem.wallets[walletID]; ok {
			w.Balance = amount
			mem.wallets[walletID] = w
		}
	}
}
