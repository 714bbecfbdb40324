// Package storage persists inter-mint collections whose Lightning payment
// succeeded but whose proofs could not be minted or deposited.
package storage

// PendingCollection is a paid mint quote at the collection mint
// that still has to be minted and deposited.
type PendingCollection struct {
	Quote          string `json:"quote"`
	CollectionMint string `json:"collectionMint"`
	SourceMint     string `json:"sourceMint"`
	Amount         uint64 `json:"amount"`
	Request        string `json:"request"`
	Error          string `json:"error"`
	CreatedAt      int64  `json:"createdAt"`
	Attempts       int    `json:"attempts"`
}

type DB interface {
	SaveCollection(PendingCollection) error
	GetCollections() ([]PendingCollection, error)
	GetCollection(quote string) (*PendingCollection, error)
	DeleteCollection(quote string) error
	Close() error
}
