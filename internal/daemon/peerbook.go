package daemon

import (
	"encoding/json"
	"time"

	"meshcore/internal/routing"
	"meshcore/internal/store"
)

// The peer book persists the routing table across restarts so a node can
// rejoin the mesh without hitting the bootstrap seeds every time.
const (
	peerBookFile = "peers.jsonl"
	peerBookCap  = 512
	peerBookTTL  = 72 * time.Hour
)

type peerRecord struct {
	Info    routing.PublicNodeInfo `json:"info"`
	SavedAt int64                  `json:"saved_at"` // unix ms
}

// loadPeerBook reads persisted peers, dropping records past their shelf
// life. Corrupt lines are skipped, not fatal.
func loadPeerBook(path string, now time.Time) []routing.NodeInfo {
	var out []routing.NodeInfo
	_ = store.ScanJSONL(path, func(line []byte) error {
		var rec peerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		if now.Sub(time.UnixMilli(rec.SavedAt)) > peerBookTTL {
			return nil
		}
		out = append(out, routing.FromPublic(rec.Info))
		return nil
	})
	if len(out) > peerBookCap {
		out = out[:peerBookCap]
	}
	return out
}

// savePeerBook rewrites the book from a table snapshot. Only the public
// projection is stored; private transport addresses never touch disk.
func savePeerBook(path string, infos []routing.NodeInfo, now time.Time) error {
	if len(infos) > peerBookCap {
		infos = infos[:peerBookCap]
	}
	return store.RewriteJSONL(path, func(enc *json.Encoder) error {
		for _, info := range infos {
			if err := enc.Encode(peerRecord{Info: info.Public(), SavedAt: now.UnixMilli()}); err != nil {
				return err
			}
		}
		return nil
	})
}
