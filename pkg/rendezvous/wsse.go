package rendezvous

import (
	"crypto/sha1"
	"encoding/base64"
	"math/rand"
	"strconv"
	"time"
)

// Username and Userkey are the fixed DHP2P client credentials baked into the
// build, per spec.md §6.
const (
	Username = "P2PClient"
	Userkey  = "YXQ3Mahe-5H-R1Z_"
)

// wsseDigest computes the WSSE PasswordDigest: base64(sha1(nonce ||
// created || "DHP2P:" || username || ":" || key)).
func wsseDigest(nonce string, created string, username, key string) string {
	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(created))
	h.Write([]byte("DHP2P:"))
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(key))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// newWSSE generates a fresh nonce and timestamp and returns the digest
// alongside them, ready to populate an X-WSSE header.
func newWSSE(username, key string) (nonce, created, digest string) {
	nonce = strconv.FormatUint(uint64(rand.Uint32()), 10)
	created = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	digest = wsseDigest(nonce, created, username, key)
	return
}
