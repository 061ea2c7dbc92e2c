package meta

import "encoding/binary"

// Bucket layout:
//
//	system/
//	  schema_version
//	records/           record ID -> gob(types.Record)
//	usage/             tier name -> int64 big endian
//	jobs/              job ID -> gob(types.MigrationJob)
var (
	bucketSystem  = []byte("system")
	bucketRecords = []byte("records")
	bucketUsage   = []byte("usage")
	bucketJobs    = []byte("jobs")

	keySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion uint64 = 1

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	return uint64ToBytes(uint64(v))
}

func bytesToInt64(b []byte) int64 {
	return int64(bytesToUint64(b))
}
