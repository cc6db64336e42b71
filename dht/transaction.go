package dht

import (
	"net/netip"
	"time"
)

// Concurrent transactions per server. The 1-byte txid bounds this anyway.
const maxTransactions = 100

// Packet priorities for the overflow queue.
const (
	PrioReply = 0
	PrioLow   = 1
	PrioHigh  = 2
)

const (
	transactionTimeout = 10 * time.Second
	transactionRetries = 1
)

type TransactionType int

const (
	TxPing TransactionType = iota
	TxFindNode
	TxGetPeers
	TxAnnouncePeer
)

func (t TransactionType) Query() string {
	switch t {
	case TxPing:
		return QPing
	case TxFindNode:
		return QFindNode
	case TxGetPeers:
		return QGetPeers
	default:
		return QAnnouncePeer
	}
}

// An outstanding RPC. The txid is unique within the server's pending set.
type Transaction struct {
	txid     byte
	typ      TransactionType
	target   ID // queried id or info-hash
	dest     netip.AddrPort
	destID   ID // zero if unknown
	deadline time.Time
	retries  int

	search *Search // for find_node / get_peers / announce

	// Extra announce state.
	token        string
	announcePort int

	onReply   func(t *Transaction, m *Msg, from netip.AddrPort)
	onTimeout func(t *Transaction)
}

func (me *Transaction) Txid() byte              { return me.txid }
func (me *Transaction) Type() TransactionType   { return me.typ }
func (me *Transaction) Target() ID              { return me.target }
func (me *Transaction) Dest() netip.AddrPort    { return me.dest }

// transactionSet allocates txids and tracks the pending transactions.
type transactionSet struct {
	pending map[byte]*Transaction
	nextID  byte
	// Overflow beyond maxTransactions, drained as pending slots free up.
	queued [3][]*Transaction
}

func newTransactionSet() *transactionSet {
	return &transactionSet{pending: make(map[byte]*Transaction)}
}

func (me *transactionSet) len() int {
	return len(me.pending)
}

// add registers the transaction now if a slot is free, else queues it at the
// given priority. Returns the transaction to send, or nil if queued.
func (me *transactionSet) add(t *Transaction, priority int) *Transaction {
	if len(me.pending) >= maxTransactions {
		me.queued[priority] = append(me.queued[priority], t)
		return nil
	}
	me.register(t)
	return t
}

func (me *transactionSet) register(t *Transaction) {
	for {
		if _, taken := me.pending[me.nextID]; !taken {
			break
		}
		me.nextID++
	}
	t.txid = me.nextID
	me.nextID++
	me.pending[t.txid] = t
}

func (me *transactionSet) find(txid byte) *Transaction {
	return me.pending[txid]
}

// remove drops the transaction and promotes the highest-priority queued one,
// returning it for sending.
func (me *transactionSet) remove(t *Transaction) *Transaction {
	if me.pending[t.txid] != t {
		return nil
	}
	delete(me.pending, t.txid)
	for p := PrioHigh; p >= PrioReply; p-- {
		if len(me.queued[p]) > 0 {
			next := me.queued[p][0]
			me.queued[p] = me.queued[p][1:]
			me.register(next)
			return next
		}
	}
	return nil
}

// expired returns transactions past their deadline.
func (me *transactionSet) expired(now time.Time) (out []*Transaction) {
	for _, t := range me.pending {
		if now.After(t.deadline) {
			out = append(out, t)
		}
	}
	return
}

func (me *transactionSet) all() (out []*Transaction) {
	for _, t := range me.pending {
		out = append(out, t)
	}
	return
}
