// Package taskid derives the deterministic identifiers described in spec §3
// and §4.3: resource ids are UUIDv5 over the resource's raw bytes, task ids
// are UUIDv5 over (miner payload || task kind || resource id). Both the
// coordinator and the plugin broker call this package so they agree on an
// id without a round trip (spec §4.6).
package taskid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// TaskKind mirrors store.TaskKind without importing it, to keep this leaf
// package dependency-free; store.TaskKind values are defined to match.
type TaskKind int32

// Resource derives a resource id as UUIDv5(NAMESPACE_OID, data).
func Resource(data []byte) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, data)
}

// PackC2ResourceBytes builds the canonical byte string hashed into a C2
// task's resource id (spec §4.3 step 3 / §4.6 step 3a): prover_id ||
// sector_id(be64) || c1out, in this fixed order, so the coordinator's
// SubmitC2Task and the plugin broker's request handling always derive the
// same resource_id/task_id from the same inputs without a round trip.
func PackC2ResourceBytes(proverID []byte, sectorID uint64, c1out []byte) []byte {
	buf := make([]byte, 0, len(proverID)+8+len(c1out))
	buf = append(buf, proverID...)
	var sectorBE [8]byte
	binary.BigEndian.PutUint64(sectorBE[:], sectorID)
	buf = append(buf, sectorBE[:]...)
	buf = append(buf, c1out...)
	return buf
}

// Task derives a task id as UUIDv5(NAMESPACE_OID, minerPayload || kind || resourceID).
//
// minerPayload is hashed as given: the coordinator and the plugin broker
// both pass the bytes of the miner address string, network prefix
// included, not a decoded address payload. resourceID is hashed in the
// ASCII text form of the resource's UUID.
func Task(minerPayload []byte, kind TaskKind, resourceID uuid.UUID) uuid.UUID {
	buf := make([]byte, 0, len(minerPayload)+4+36)
	buf = append(buf, minerPayload...)
	var kindBuf [4]byte
	binary.BigEndian.PutUint32(kindBuf[:], uint32(kind))
	buf = append(buf, kindBuf[:]...)
	buf = append(buf, []byte(resourceID.String())...)
	return uuid.NewSHA1(uuid.NameSpaceOID, buf)
}
