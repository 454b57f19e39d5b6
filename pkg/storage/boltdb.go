package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	// Bucket names
	bucketNodes = []byte("nodes")
	bucketPods  = []byte("pods")
)

// DBFile is the database file name inside the data directory
const DBFile = "hutch.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errdefs.State("failed to open database %s: %w", dbPath, err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketPods} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations
func (s *BoltStore) CreateNode(node *types.NodeRecord) error {
	if node.Node.Name() == "" {
		return errdefs.Validation("node record without a name")
	}
	return s.put(bucketNodes, []byte(node.Node.Name()), node)
}

func (s *BoltStore) GetNode(name string) (*types.NodeRecord, error) {
	var node types.NodeRecord
	if err := s.get(bucketNodes, []byte(name), &node); err != nil {
		return nil, fmt.Errorf("node %s: %w", name, err)
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.NodeRecord, error) {
	var nodes []*types.NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.NodeRecord
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.NodeRecord) error {
	return s.CreateNode(node) // Same as create (upsert)
}

// DeleteNode removes a node together with its pod records
func (s *BoltStore) DeleteNode(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodes).Delete([]byte(name)); err != nil {
			return err
		}

		pods := tx.Bucket(bucketPods)
		prefix := podPrefix(name)
		c := pods.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pod operations
func (s *BoltStore) CreatePod(pod *types.PodRecord) error {
	if pod.Node == "" || pod.Name == "" {
		return errdefs.Validation("pod record needs a node and a name")
	}
	return s.put(bucketPods, podKey(pod.Node, pod.Name), pod)
}

func (s *BoltStore) GetPod(node, name string) (*types.PodRecord, error) {
	var pod types.PodRecord
	if err := s.get(bucketPods, podKey(node, name), &pod); err != nil {
		return nil, fmt.Errorf("pod %s on node %s: %w", name, node, err)
	}
	return &pod, nil
}

func (s *BoltStore) ListPods() ([]*types.PodRecord, error) {
	return s.listPods(nil)
}

func (s *BoltStore) ListPodsByNode(node string) ([]*types.PodRecord, error) {
	return s.listPods(podPrefix(node))
}

func (s *BoltStore) UpdatePod(pod *types.PodRecord) error {
	return s.CreatePod(pod)
}

func (s *BoltStore) DeletePod(node, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPods).Delete(podKey(node, name))
	})
}

func (s *BoltStore) listPods(prefix []byte) ([]*types.PodRecord, error) {
	var pods []*types.PodRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPods).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var pod types.PodRecord
			if err := json.Unmarshal(v, &pod); err != nil {
				return err
			}
			pods = append(pods, &pod)
		}
		return nil
	})
	return pods, err
}

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return errdefs.ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// Node names are RFC 1123 hostnames and never contain a slash
func podKey(node, name string) []byte {
	return []byte(node + "/" + name)
}

func podPrefix(node string) []byte {
	return []byte(node + "/")
}
