// Package sbdb is an embedded, multi-process, transactional key/value
// store whose storage engine is the host filesystem: every record is a
// file or directory under a root path, and concurrency control is built
// entirely from advisory file locks plus a few marker files. No daemon
// mediates access; any number of cooperating processes open the same
// root and obtain serializable access to overlapping paths.
//
// Locking is hierarchical: a guard on an entry holds a shared lock on
// every ancestor directory and a shared or exclusive lock on the entry
// itself, so a writer deep in the tree is shielded from a writer above
// it. Each lock is a queue-handshake pair of sidecar files
// ("<entry>.lock", "<entry>.queue") that keeps readers and writers from
// starving each other. Transactions declare their full read and write
// sets up front; the sets are locked in a single global order, which
// makes the protocol deadlock-free without runtime detection.
//
// Mutations go through copy-on-write staging: a write guard hands out a
// staged copy under the scratch directory, and commit installs it with a
// single rename, so a crash leaves either the old or the new contents,
// never a torn write.
//
//	db, err := sbdb.Open("/srv/data", sbdb.Options{})
//	// ...
//	tx, err := db.Tx().Read("in.txt").Write("out.txt").Begin()
//	defer tx.Close()
//
//	cp, err := tx.FileCp("out.txt")
//	// write cp.Path(), then:
//	err = cp.Commit()
package sbdb
