package telegram

import "sync"

// ledgerCap bounds how many message ids are remembered per chat so a
// long-running conversation cannot grow memory without bound.
const ledgerCap = 50

// ledger remembers the ids of messages the bot sent to each chat, so
// chat cleanup can delete them later.
type ledger struct {
	mu    sync.Mutex
	chats map[int64][]int
}

func newLedger() *ledger {
	return &ledger{chats: make(map[int64][]int)}
}

func (l *ledger) track(chatID int64, messageID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := append(l.chats[chatID], messageID)
	if len(ids) > ledgerCap {
		ids = ids[len(ids)-ledgerCap:]
	}
	l.chats[chatID] = ids
}

func (l *ledger) forget(chatID int64, messageID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.chats[chatID]
	for i, id := range ids {
		if id == messageID {
			l.chats[chatID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// drain returns and clears all tracked ids for a chat.
func (l *ledger) drain(chatID int64) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.chats[chatID]
	delete(l.chats, chatID)
	return ids
}

func (l *ledger) tracked(chatID int64) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.chats[chatID]))
	copy(out, l.chats[chatID])
	return out
}
