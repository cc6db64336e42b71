package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionIDsUnique(t *testing.T) {
	txs := newTransactionSet()
	seen := make(map[byte]bool)
	for i := 0; i < maxTransactions; i++ {
		tx := txs.add(&Transaction{typ: TxPing}, PrioLow)
		require.NotNil(t, tx)
		assert.False(t, seen[tx.txid], "txid %d reused", tx.txid)
		seen[tx.txid] = true
	}
	assert.Equal(t, maxTransactions, txs.len())
}

func TestTransactionOverflowQueues(t *testing.T) {
	txs := newTransactionSet()
	var first *Transaction
	for i := 0; i < maxTransactions; i++ {
		tx := txs.add(&Transaction{typ: TxPing}, PrioLow)
		if first == nil {
			first = tx
		}
	}
	low := &Transaction{typ: TxPing}
	high := &Transaction{typ: TxGetPeers}
	assert.Nil(t, txs.add(low, PrioLow))
	assert.Nil(t, txs.add(high, PrioHigh))
	assert.Equal(t, maxTransactions, txs.len())

	// Freeing a slot promotes the high priority packet first.
	next := txs.remove(first)
	require.Same(t, high, next)
	assert.Nil(t, txs.find(first.txid) /* removed */)
	assert.NotNil(t, txs.find(high.txid))

	next = txs.remove(high)
	require.Same(t, low, next)
}

func TestTransactionIDReusedAfterRemove(t *testing.T) {
	txs := newTransactionSet()
	a := txs.add(&Transaction{typ: TxPing}, PrioLow)
	txs.remove(a)
	b := txs.add(&Transaction{typ: TxPing}, PrioLow)
	require.NotNil(t, b)
	assert.Same(t, b, txs.find(b.txid))
}

func TestTransactionRemoveStale(t *testing.T) {
	txs := newTransactionSet()
	a := txs.add(&Transaction{typ: TxPing}, PrioLow)
	txs.remove(a)
	// Removing the same transaction twice must not disturb a successor that
	// inherited the txid.
	b := txs.add(&Transaction{typ: TxPing}, PrioLow)
	assert.Nil(t, txs.remove(a))
	assert.Same(t, b, txs.find(b.txid))
}

func TestTransactionExpired(t *testing.T) {
	txs := newTransactionSet()
	now := time.Unix(1e9, 0)
	a := txs.add(&Transaction{typ: TxPing}, PrioLow)
	a.deadline = now.Add(-time.Second)
	b := txs.add(&Transaction{typ: TxPing}, PrioLow)
	b.deadline = now.Add(time.Minute)
	exp := txs.expired(now)
	require.Len(t, exp, 1)
	assert.Same(t, a, exp[0])
}
