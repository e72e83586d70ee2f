// Package datadir owns one physical root path per configured disk: its
// capacity, medium, health, cluster id (kept in the meta store's
// cluster_id bucket, not in a separate file), and per-DataDir meta store
// (spec §4.1, §6). The bucket-per-entity bbolt layout is grounded on the
// teacher's BoltStore (pkg/storage/boltdb.go), repurposed here to the
// opaque rowset-meta/binlog-meta/delete-bitmap/pending-publish key
// namespaces the meta cleanup traversals sweep (§4.6).
package datadir

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/lakestor/storagenode/pkg/engineerr"
)

var (
	bucketRowsetMeta      = []byte("rowset_meta")
	bucketBinlogMeta      = []byte("binlog_meta")
	bucketDeleteBitmap    = []byte("delete_bitmap")
	bucketPendingPublish  = []byte("pending_publish")
	bucketClusterID       = []byte("cluster_id")
	bucketTabletMeta      = []byte("tablet_meta")
)

// MetaStore is the opaque per-DataDir key/value store (§6): get/put/
// remove plus full-bucket traversal over six namespaces: the four the
// meta cleanup traversals sweep, plus the cluster id and tablet headers.
type MetaStore struct {
	db *bolt.DB
}

// OpenMetaStore opens (creating if absent) the bbolt file backing one
// DataDir's meta store.
func OpenMetaStore(root string) (*MetaStore, error) {
	path := filepath.Join(root, "meta.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IO, "OpenMetaStore", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRowsetMeta, bucketBinlogMeta, bucketDeleteBitmap, bucketPendingPublish, bucketClusterID, bucketTabletMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, engineerr.Wrap(engineerr.IO, "OpenMetaStore", err)
	}

	return &MetaStore{db: db}, nil
}

// Close closes the underlying bbolt handle.
func (m *MetaStore) Close() error { return m.db.Close() }

// Put writes one value in the given namespace.
func (m *MetaStore) Put(bucket, key, value []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

// Get reads one value; ok is false when the key is absent.
func (m *MetaStore) Get(bucket, key []byte) (value []byte, ok bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v != nil {
			ok = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, ok, err
}

// Remove deletes a key; removing an absent key is not an error.
func (m *MetaStore) Remove(bucket, key []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// ForEach traverses every key in a namespace, stopping at the first
// callback error. Callers use this for the §4.6 orphan-collection sweeps.
func (m *MetaStore) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(fn)
	})
}

// RowsetMetaBucket, BinlogMetaBucket, DeleteBitmapBucket, and
// PendingPublishBucket expose the entity namespaces §4.6 traverses.
// TabletMetaBucket holds the opaque per-tablet header blob load_header/
// obtain_shard_path read and write (spec §6 "Meta store (per DataDir)").
func RowsetMetaBucket() []byte     { return bucketRowsetMeta }
func BinlogMetaBucket() []byte     { return bucketBinlogMeta }
func DeleteBitmapBucket() []byte   { return bucketDeleteBitmap }
func PendingPublishBucket() []byte { return bucketPendingPublish }
func ClusterIDBucket() []byte      { return bucketClusterID }
func TabletMetaBucket() []byte     { return bucketTabletMeta }
