package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size in bytes of request ids and list digests.
const DigestSize = blake2b.Size256

// Sum returns the hex blake2b-256 digest of data.
func Sum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// chain folds item into the running digest prev. An empty prev starts a new
// chain.
func chain(prev string, item []byte) string {
	buf, _ := hex.DecodeString(prev)
	buf = append(buf, item...)
	return Sum(buf)
}

// HistoryDigest extends a wallet history digest with one request id.
func HistoryDigest(prev string, req RequestID) string {
	return chain(prev, []byte(req))
}

// SignatureDigest extends the signature ledger digest with one record.
func SignatureDigest(prev string, req RequestID, signer Identity) string {
	item := make([]byte, 0, len(req)+len(signer)+1)
	item = append(item, req...)
	item = append(item, '/')
	item = append(item, signer...)
	return chain(prev, item)
}

// StateHash is a deterministic digest over a snapshot: every wallet in
// identity order, then the request counters and the signature ledger digest.
func StateHash(snap Snapshot) string {
	accounts := make([]Account, len(snap.Accounts))
	copy(accounts, snap.Accounts)
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Identity < accounts[j].Identity })

	var num [8]byte
	var buf []byte
	for _, a := range accounts {
		buf = append(buf, a.Identity...)
		binary.BigEndian.PutUint64(num[:], a.Balance)
		buf = append(buf, num[:]...)
		binary.BigEndian.PutUint64(num[:], a.Reserved)
		buf = append(buf, num[:]...)
		buf = append(buf, a.HistoryDigest...)
	}
	binary.BigEndian.PutUint64(num[:], uint64(snap.PendingRequests))
	buf = append(buf, num[:]...)
	binary.BigEndian.PutUint64(num[:], uint64(snap.SettledRequests))
	buf = append(buf, num[:]...)
	buf = append(buf, snap.SignatureDigest...)
	return Sum(buf)
}
