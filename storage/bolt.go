package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const collectionsBucket = "collections"

var ErrCollectionNotFound = errors.New("collection not found")

type BoltDB struct {
	bolt *bolt.DB
}

// InitBolt opens (or creates) the ledger database in path.
func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "ledger.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}
	return boltdb, nil
}

func (db *BoltDB) initBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(collectionsBucket))
		return err
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveCollection(collection PendingCollection) error {
	if collection.Quote == "" {
		return errors.New("collection quote is required")
	}
	jsonCollection, err := json.Marshal(collection)
	if err != nil {
		return fmt.Errorf("invalid collection: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		collectionsb := tx.Bucket([]byte(collectionsBucket))
		return collectionsb.Put([]byte(collection.Quote), jsonCollection)
	})
}

func (db *BoltDB) GetCollections() ([]PendingCollection, error) {
	collections := []PendingCollection{}

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		collectionsb := tx.Bucket([]byte(collectionsBucket))

		c := collectionsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var collection PendingCollection
			if err := json.Unmarshal(v, &collection); err != nil {
				return fmt.Errorf("error getting collections: %v", err)
			}
			collections = append(collections, collection)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return collections, nil
}

func (db *BoltDB) GetCollection(quote string) (*PendingCollection, error) {
	var collection *PendingCollection

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		collectionsb := tx.Bucket([]byte(collectionsBucket))
		v := collectionsb.Get([]byte(quote))
		if v == nil {
			return ErrCollectionNotFound
		}
		collection = &PendingCollection{}
		return json.Unmarshal(v, collection)
	}); err != nil {
		return nil, err
	}

	return collection, nil
}

func (db *BoltDB) DeleteCollection(quote string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		collectionsb := tx.Bucket([]byte(collectionsBucket))
		if collectionsb.Get([]byte(quote)) == nil {
			return ErrCollectionNotFound
		}
		return collectionsb.Delete([]byte(quote))
	})
}
