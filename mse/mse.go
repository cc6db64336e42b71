// Package mse implements Message Stream Encryption, as documented at
// https://wiki.vuze.com/w/Message_Stream_Encryption.
package mse

import (
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	maxPadLen = 512

	CryptoMethodPlaintext CryptoMethod = 1 // After header obfuscation, drop to plaintext
	CryptoMethodRC4       CryptoMethod = 2 // After header obfuscation, use RC4 for the rest of the stream
	AllSupportedCrypto                 = CryptoMethodPlaintext | CryptoMethodRC4
)

type CryptoMethod uint32

var (
	// Prime P according to the spec, and G, the generator.
	p, g big.Int
	// The rand.Int max arg for use in newPadLen()
	newPadLenMax big.Int
	// For use in initiator's hashes.
	req1 = []byte("req1")
	req2 = []byte("req2")
	req3 = []byte("req3")
	vc   [8]byte

	ErrNoSecretKeyMatch = errors.New("no skey matched")
)

func init() {
	p.SetString("0xFFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A63A36210000000000090563", 0)
	g.SetInt64(2)
	newPadLenMax.SetInt64(maxPadLen + 1)
}

func hash(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func newEncrypt(initer bool, s, skey []byte) (c *rc4.Cipher) {
	key := "keyB"
	if initer {
		key = "keyA"
	}
	c, err := rc4.NewCipher(hash([]byte(key), s, skey))
	if err != nil {
		panic(err)
	}
	// Both sides discard the first 1024 bytes of keystream.
	var burn [1024]byte
	c.XORKeyStream(burn[:], burn[:])
	return
}

type cipherReader struct {
	c *rc4.Cipher
	r io.Reader
}

func (me *cipherReader) Read(b []byte) (n int, err error) {
	n, err = me.r.Read(b)
	me.c.XORKeyStream(b[:n], b[:n])
	return
}

type cipherWriter struct {
	c *rc4.Cipher
	w io.Writer
}

func (me *cipherWriter) Write(b []byte) (n int, err error) {
	be := make([]byte, len(b))
	me.c.XORKeyStream(be, b)
	n, err = me.w.Write(be)
	if n != len(be) {
		// The cipher has advanced beyond the caller's stream position. It
		// can't be reused.
		me.c = nil
	}
	return
}

func newX() big.Int {
	var x big.Int
	var b [20]byte
	_, err := rand.Read(b[:])
	if err != nil {
		panic(err)
	}
	x.SetBytes(b[:])
	return x
}

// Yields the number of bytes the DH public keys occupy on the wire.
const keyLen = 96

func paddedLeft(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	ret := make([]byte, n)
	copy(ret[n-len(b):], b)
	return ret
}

func newPadLen() int64 {
	i, err := rand.Int(rand.Reader, &newPadLenMax)
	if err != nil {
		panic(err)
	}
	return i.Int64()
}

type handshake struct {
	conn   io.ReadWriter
	s      big.Int
	initer bool
	skeys  SecretKeyIter
	skey   []byte
	ia     []byte // Initial payload, only used by the initiator.
	// Return the bit for the crypto method the receiver wants to use.
	chooseMethod CryptoSelector
	// Sent to the receiver.
	cryptoProvides CryptoMethod

	// Writes are passed to a background goroutine so that neither side can
	// deadlock the other by filling a synchronous transport. The writer owns
	// the conn's write side until finishWriting returns.
	postCh    chan []byte
	writeDone chan error
}

func (h *handshake) writer() {
	var err error
	for b := range h.postCh {
		if err != nil {
			continue
		}
		_, err = h.conn.Write(b)
	}
	h.writeDone <- err
}

func (h *handshake) postWrite(b []byte) {
	h.postCh <- b
}

// Closes the post channel and waits for the writer to drain.
func (h *handshake) finishWriting() error {
	close(h.postCh)
	return <-h.writeDone
}

func (h *handshake) establishS() error {
	x := newX()
	var y big.Int
	y.Exp(&g, &x, &p)
	h.postWrite(paddedLeft(y.Bytes(), keyLen))
	pad := make([]byte, newPadLen())
	rand.Read(pad)
	h.postWrite(pad)
	var b [keyLen]byte
	if _, err := io.ReadFull(h.conn, b[:]); err != nil {
		return fmt.Errorf("reading peer key: %w", err)
	}
	var Y big.Int
	Y.SetBytes(b[:])
	h.s.Exp(&Y, &x, &p)
	return nil
}

func (h *handshake) sBytes() []byte {
	return paddedLeft(h.s.Bytes(), keyLen)
}

// Looking for b at the end of a.
func suffixMatchLen(a, b []byte) int {
	if len(b) > len(a) {
		b = b[:len(a)]
	}
	for i := len(b); i > 0; i-- {
		j := 0
		for ; j < i; j++ {
			if b[i-1-j] != a[len(a)-1-j] {
				goto shorter
			}
		}
		return j
	shorter:
	}
	return 0
}

// Reads from r until b has been seen, within the MSE resync window. The
// initiator may have prefixed the marker with up to maxPadLen pad bytes.
func readUntil(r io.Reader, b []byte) error {
	b1 := make([]byte, len(b))
	i := 0
	n := 0
	for {
		read, err := io.ReadFull(r, b1[i:])
		if err != nil {
			return err
		}
		n += read
		if n > maxPadLen+2*len(b) {
			return errors.New("sync marker not found within pad window")
		}
		i = suffixMatchLen(b1, b)
		if i == len(b) {
			return nil
		}
		copy(b1, b1[len(b1)-i:])
	}
}

type cryptoNegotiation struct {
	VC     [8]byte
	Method CryptoMethod
	PadLen uint16
}

func (me *cryptoNegotiation) UnmarshalReader(r io.Reader) (err error) {
	_, err = io.ReadFull(r, me.VC[:])
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &me.Method)
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &me.PadLen)
	if err != nil {
		return
	}
	if me.PadLen > maxPadLen {
		return fmt.Errorf("pad length %v exceeds maximum", me.PadLen)
	}
	_, err = io.CopyN(io.Discard, r, int64(me.PadLen))
	return
}

func (me *cryptoNegotiation) MarshalWriter(w io.Writer) (err error) {
	_, err = w.Write(me.VC[:])
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, me.Method)
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, me.PadLen)
	if err != nil {
		return
	}
	_, err = w.Write(make([]byte, me.PadLen))
	return
}

func (h *handshake) initerSteps() (ret io.ReadWriter, method CryptoMethod, err error) {
	h.postWrite(hash(req1, h.sBytes()))
	h.postWrite(xor(hash(req2, h.skey), hash(req3, h.sBytes())))
	buf := &bytes.Buffer{}
	padLen := uint16(newPadLen())
	err = (&cryptoNegotiation{
		Method: h.cryptoProvides,
		PadLen: padLen,
	}).MarshalWriter(buf)
	if err != nil {
		return
	}
	err = binary.Write(buf, binary.BigEndian, uint16(len(h.ia)))
	if err != nil {
		return
	}
	buf.Write(h.ia)
	e := newEncrypt(true, h.sBytes(), h.skey)
	be := make([]byte, buf.Len())
	e.XORKeyStream(be, buf.Bytes())
	h.postWrite(be)
	bC := newEncrypt(false, h.sBytes(), h.skey)
	var eVC [8]byte
	bC.XORKeyStream(eVC[:], vc[:])
	// Read until the all-zero VC, as mangled by the peer's keyB stream.
	err = readUntil(h.conn, eVC[:])
	if err != nil {
		err = fmt.Errorf("reading until VC: %w", err)
		return
	}
	r := &cipherReader{bC, h.conn}
	var cn cryptoNegotiation
	// VC already consumed during sync.
	err = binary.Read(r, binary.BigEndian, &cn.Method)
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &cn.PadLen)
	if err != nil {
		return
	}
	if cn.PadLen > maxPadLen {
		err = fmt.Errorf("pad length %v exceeds maximum", cn.PadLen)
		return
	}
	_, err = io.CopyN(io.Discard, r, int64(cn.PadLen))
	if err != nil {
		return
	}
	switch cn.Method {
	case CryptoMethodRC4:
		ret = readWriter{r, &cipherWriter{e, h.conn}}
	case CryptoMethodPlaintext:
		ret = h.conn
	default:
		err = fmt.Errorf("receiver selected unsupported crypto method %v", cn.Method)
	}
	method = cn.Method
	return
}

func (h *handshake) receiverSteps() (ret io.ReadWriter, chosen CryptoMethod, err error) {
	// There is up to maxPadLen pad bytes between the key and the req1 hash.
	err = readUntil(h.conn, hash(req1, h.sBytes()))
	if err != nil {
		return
	}
	var b [20]byte
	_, err = io.ReadFull(h.conn, b[:])
	if err != nil {
		return
	}
	expected := hash(req3, h.sBytes())
	h.skeys(func(skey []byte) bool {
		if bytes.Equal(xor(hash(req2, skey), expected), b[:]) {
			h.skey = skey
			return false
		}
		return true
	})
	if h.skey == nil {
		err = ErrNoSecretKeyMatch
		return
	}
	r := &cipherReader{newEncrypt(true, h.sBytes(), h.skey), h.conn}
	var cn cryptoNegotiation
	err = cn.UnmarshalReader(r)
	if err != nil {
		return
	}
	if cn.VC != vc {
		err = errors.New("bad verification constant")
		return
	}
	var iaLen uint16
	err = binary.Read(r, binary.BigEndian, &iaLen)
	if err != nil {
		return
	}
	h.ia = make([]byte, iaLen)
	_, err = io.ReadFull(r, h.ia)
	if err != nil {
		return
	}
	chosen = h.chooseMethod(cn.Method)
	w := &cipherWriter{newEncrypt(false, h.sBytes(), h.skey), h.conn}
	buf := &bytes.Buffer{}
	err = (&cryptoNegotiation{
		Method: chosen,
		PadLen: uint16(newPadLen()),
	}).MarshalWriter(buf)
	if err != nil {
		return
	}
	be := make([]byte, buf.Len())
	w.c.XORKeyStream(be, buf.Bytes())
	h.postWrite(be)
	switch chosen {
	case CryptoMethodRC4:
		ret = readWriter{
			io.MultiReader(bytes.NewReader(h.ia), r),
			&cipherWriter{w.c, h.conn},
		}
	case CryptoMethodPlaintext:
		ret = readWriter{
			io.MultiReader(bytes.NewReader(h.ia), h.conn),
			h.conn,
		}
	default:
		err = fmt.Errorf("chose unsupported method %v", chosen)
	}
	return
}

func (h *handshake) Do() (ret io.ReadWriter, method CryptoMethod, err error) {
	h.postCh = make(chan []byte, 8)
	h.writeDone = make(chan error, 1)
	go h.writer()
	defer func() {
		werr := h.finishWriting()
		if err == nil && werr != nil {
			err = fmt.Errorf("flushing handshake writes: %w", werr)
		}
	}()
	err = h.establishS()
	if err != nil {
		err = fmt.Errorf("establishing S: %w", err)
		return
	}
	if h.initer {
		ret, method, err = h.initerSteps()
	} else {
		ret, method, err = h.receiverSteps()
	}
	return
}

func xor(a, b []byte) (ret []byte) {
	n := min(len(a), len(b))
	ret = make([]byte, n)
	for i := 0; i < n; i++ {
		ret[i] = a[i] ^ b[i]
	}
	return
}

type readWriter struct {
	io.Reader
	io.Writer
}

// Called with each candidate secret key until it returns false or runs out.
type SecretKeyIter func(callback func(skey []byte) bool)

type CryptoSelector func(provided CryptoMethod) CryptoMethod

// Prefers RC4 when the initiator offers it.
func DefaultCryptoSelector(provided CryptoMethod) CryptoMethod {
	if provided&CryptoMethodRC4 != 0 {
		return CryptoMethodRC4
	}
	return CryptoMethodPlaintext
}

// InitiateHandshake performs the initiator side of the MSE flow. skey is the
// torrent info-hash. initialPayload is carried in the IA field and surfaces
// at the far side ahead of further stream bytes.
func InitiateHandshake(
	rw io.ReadWriter, skey, initialPayload []byte, cryptoProvides CryptoMethod,
) (
	ret io.ReadWriter, method CryptoMethod, err error,
) {
	h := handshake{
		conn:           rw,
		initer:         true,
		skey:           skey,
		ia:             initialPayload,
		cryptoProvides: cryptoProvides,
	}
	return h.Do()
}

// ReceiveHandshake performs the receiver side. skeys provides the candidate
// info-hashes; selectCrypto maps the initiator's crypto_provide to our
// crypto_select.
func ReceiveHandshake(
	rw io.ReadWriter, skeys SecretKeyIter, selectCrypto CryptoSelector,
) (
	ret io.ReadWriter, method CryptoMethod, err error,
) {
	h := handshake{
		conn:         rw,
		initer:       false,
		skeys:        skeys,
		chooseMethod: selectCrypto,
	}
	return h.Do()
}
