package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"deedescrow/core/state"
)

var (
	listingPrefix = []byte("escrow/listing:")
	poolKey       = []byte("escrow/pool")
	indexKey      = []byte("escrow/index")
)

type poolRecord struct {
	Balance *big.Int
}

type indexRecord struct {
	AssetIDs []uint64
}

func listingKey(assetID uint64) []byte {
	buf := make([]byte, len(listingPrefix)+8)
	copy(buf, listingPrefix)
	binary.BigEndian.PutUint64(buf[len(listingPrefix):], assetID)
	return buf
}

func loadListing(tx *state.Tx, assetID uint64) (*Listing, bool, error) {
	listing := new(Listing)
	ok, err := tx.KVGet(listingKey(assetID), listing)
	if err != nil || !ok {
		return nil, false, err
	}
	if listing.PurchasePrice == nil {
		listing.PurchasePrice = big.NewInt(0)
	}
	if listing.EscrowAmount == nil {
		listing.EscrowAmount = big.NewInt(0)
	}
	return listing, true, nil
}

func storeListing(tx *state.Tx, listing *Listing) error {
	if listing == nil {
		return fmt.Errorf("escrow: nil listing")
	}
	return tx.KVPut(listingKey(listing.AssetID), listing)
}

func loadPool(tx *state.Tx) (*big.Int, error) {
	rec := new(poolRecord)
	ok, err := tx.KVGet(poolKey, rec)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Balance == nil {
		return big.NewInt(0), nil
	}
	return rec.Balance, nil
}

func storePool(tx *state.Tx, balance *big.Int) error {
	if balance == nil || balance.Sign() < 0 {
		return fmt.Errorf("escrow: pool balance must not be negative")
	}
	return tx.KVPut(poolKey, &poolRecord{Balance: balance})
}

func loadIndex(tx *state.Tx) ([]uint64, error) {
	rec := new(indexRecord)
	if _, err := tx.KVGet(indexKey, rec); err != nil {
		return nil, err
	}
	return rec.AssetIDs, nil
}

// indexAsset records assetID in the enumeration index if it is new.
func indexAsset(tx *state.Tx, assetID uint64) error {
	ids, err := loadIndex(tx)
	if err != nil {
		return err
	}
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= assetID })
	if i < len(ids) && ids[i] == assetID {
		return nil
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = assetID
	return tx.KVPut(indexKey, &indexRecord{AssetIDs: ids})
}
