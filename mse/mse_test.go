package mse

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sliceIter(skeys [][]byte) SecretKeyIter {
	return func(callback func([]byte) bool) {
		for _, sk := range skeys {
			if !callback(sk) {
				break
			}
		}
	}
}

func handshakeTest(t *testing.T, ia []byte, provides CryptoMethod, selector CryptoSelector, wantMethod CryptoMethod) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	skey := []byte("00112233445566778899")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rw, method, err := InitiateHandshake(a, skey, ia, provides)
		require.NoError(t, err)
		assert.Equal(t, wantMethod, method)
		_, err = rw.Write([]byte("hello from initiator"))
		require.NoError(t, err)
		var reply [5]byte
		_, err = io.ReadFull(rw, reply[:])
		require.NoError(t, err)
		assert.EqualValues(t, "world", reply[:])
	}()
	go func() {
		defer wg.Done()
		rw, method, err := ReceiveHandshake(b, sliceIter([][]byte{[]byte("wrong key aaaaaaaaaa"), skey}), selector)
		require.NoError(t, err)
		assert.Equal(t, wantMethod, method)
		expected := append(append([]byte{}, ia...), []byte("hello from initiator")...)
		got := make([]byte, len(expected))
		_, err = io.ReadFull(rw, got)
		require.NoError(t, err)
		assert.Equal(t, expected, got)
		_, err = rw.Write([]byte("world"))
		require.NoError(t, err)
	}()
	wg.Wait()
}

func TestHandshakeRC4(t *testing.T) {
	handshakeTest(t, nil, CryptoMethodRC4, DefaultCryptoSelector, CryptoMethodRC4)
}

func TestHandshakeRC4WithInitialPayload(t *testing.T) {
	handshakeTest(t, []byte("\x13BitTorrent protocol"), AllSupportedCrypto, DefaultCryptoSelector, CryptoMethodRC4)
}

func TestHandshakePlaintextSelected(t *testing.T) {
	handshakeTest(t, []byte("ia"), AllSupportedCrypto, func(provided CryptoMethod) CryptoMethod {
		return CryptoMethodPlaintext
	}, CryptoMethodPlaintext)
}

func TestReceiveRejectsUnknownSKey(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go InitiateHandshake(a, []byte("00112233445566778899"), nil, CryptoMethodRC4)
	_, _, err := ReceiveHandshake(b, sliceIter([][]byte{[]byte("not the right skey!!")}), DefaultCryptoSelector)
	assert.ErrorIs(t, err, ErrNoSecretKeyMatch)
}

func TestSuffixMatchLen(t *testing.T) {
	assert.Equal(t, 0, suffixMatchLen([]byte("hello"), []byte("world")))
	assert.Equal(t, 3, suffixMatchLen([]byte("xxabc"), []byte("abcde")))
	assert.Equal(t, 5, suffixMatchLen([]byte("abcde"), []byte("abcde")))
}

func TestPaddedLeft(t *testing.T) {
	b := paddedLeft([]byte{1, 2}, 4)
	assert.Equal(t, []byte{0, 0, 1, 2}, b)
	assert.True(t, bytes.Equal(paddedLeft([]byte{9}, 1), []byte{9}))
}
