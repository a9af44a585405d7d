// Package ledger implements the append-only exchange-rate history of the
// staking system: one rate row per (validator, epoch) and one base rate row
// per epoch. Rows are write-once; pruning and state-tree serialization are
// concerns of the surrounding storage layer.
package ledger

import (
	"github.com/iotaledger/hive.go/ds/shrinkingmap"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/lo"
	"github.com/iotaledger/hive.go/runtime/syncutils"
	"github.com/iotaledger/hive.go/serializer/v2/byteutils"

	"github.com/penchain/pen-core/pkg/core/types"
	"github.com/penchain/pen-core/pkg/stake"
)

// ErrDuplicateEpoch is returned when appending an entry for an already
// committed (validator, epoch) key. The ledger is write-once per key, so this
// always indicates a caller bug.
var ErrDuplicateEpoch = ierrors.New("ledger entry already committed for epoch")

var (
	validatorRatesRealm = kvstore.Realm{0x00}
	baseRatesRealm      = kvstore.Realm{0x01}
)

// Ledger is the exchange-rate history. Writers hold exclusive access for the
// duration of a commit; readers of already-committed epochs may proceed
// concurrently with an in-flight transition because rows are never mutated
// once written.
type Ledger struct {
	store     kvstore.KVStore
	baseRates *kvstore.TypedStore[types.EpochIndex, *stake.BaseRateData]

	// caches the highest committed epoch per validator so Latest does not
	// rescan the store on every transition
	latestEpochs *shrinkingmap.ShrinkingMap[types.ValidatorID, types.EpochIndex]

	latestBaseEpoch types.EpochIndex
	hasLatestBase   bool

	mutex syncutils.RWMutex
}

func New(store kvstore.KVStore) *Ledger {
	return &Ledger{
		store: store,
		baseRates: kvstore.NewTypedStore(
			lo.PanicOnErr(store.WithExtendedRealm(baseRatesRealm)),
			types.EpochIndex.Bytes, types.EpochIndexFromBytes,
			(*stake.BaseRateData).Bytes, stake.BaseRateDataFromBytes,
		),
		latestEpochs: shrinkingmap.New[types.ValidatorID, types.EpochIndex](),
	}
}

func (l *Ledger) validatorRates(validatorID types.ValidatorID) *kvstore.TypedStore[types.EpochIndex, *stake.RateData] {
	return kvstore.NewTypedStore(
		lo.PanicOnErr(l.store.WithExtendedRealm(byteutils.ConcatBytes(validatorRatesRealm, validatorID[:]))),
		types.EpochIndex.Bytes, types.EpochIndexFromBytes,
		(*stake.RateData).Bytes, stake.RateDataFromBytes,
	)
}

// CommitEpoch commits the base rate row and all validator rate rows of one
// epoch as a single batched mutation. Every target key is checked before the
// first write, so a duplicate row aborts the commit with nothing applied; a
// failed epoch can never become partially visible.
func (l *Ledger) CommitEpoch(baseRateData *stake.BaseRateData, rateDatas []*stake.RateData) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	epoch := baseRateData.Epoch
	if epoch == 0 {
		return ierrors.Wrap(ErrDuplicateEpoch, "epoch 0 is defined at genesis")
	}

	exists, err := l.baseRates.Has(epoch)
	if err != nil {
		return ierrors.Wrapf(err, "failed to check for existing base entry at %s", epoch)
	}
	if exists {
		return ierrors.Wrapf(ErrDuplicateEpoch, "base exchange rate already committed for %s", epoch)
	}

	for _, rateData := range rateDatas {
		if rateData.Epoch != epoch {
			return ierrors.Errorf("rate row of validator %s is for %s, not %s", rateData.ValidatorID, rateData.Epoch, epoch)
		}

		exists, err := l.validatorRates(rateData.ValidatorID).Has(epoch)
		if err != nil {
			return ierrors.Wrapf(err, "failed to check for existing entry of validator %s at %s", rateData.ValidatorID, epoch)
		}
		if exists {
			return ierrors.Wrapf(ErrDuplicateEpoch, "validator %s already has an entry for %s", rateData.ValidatorID, epoch)
		}
	}

	mutations, err := l.store.Batched()
	if err != nil {
		return ierrors.Wrap(err, "failed to create batched mutations")
	}

	epochKey := epoch.MustBytes()
	baseBytes, err := baseRateData.Bytes()
	if err != nil {
		mutations.Cancel()

		return ierrors.Wrapf(err, "failed to serialize base rate row at %s", epoch)
	}
	if err := mutations.Set(byteutils.ConcatBytes(baseRatesRealm, epochKey), baseBytes); err != nil {
		mutations.Cancel()

		return ierrors.Wrapf(err, "failed to stage base rate row at %s", epoch)
	}

	for _, rateData := range rateDatas {
		rowBytes, err := rateData.Bytes()
		if err != nil {
			mutations.Cancel()

			return ierrors.Wrapf(err, "failed to serialize rate row of validator %s", rateData.ValidatorID)
		}
		if err := mutations.Set(byteutils.ConcatBytes(validatorRatesRealm, rateData.ValidatorID[:], epochKey), rowBytes); err != nil {
			mutations.Cancel()

			return ierrors.Wrapf(err, "failed to stage rate row of validator %s", rateData.ValidatorID)
		}
	}

	if err := mutations.Commit(); err != nil {
		return ierrors.Wrapf(err, "failed to commit epoch %s", epoch)
	}

	// caches are only updated after the commit succeeded
	if !l.hasLatestBase || epoch > l.latestBaseEpoch {
		l.latestBaseEpoch = epoch
		l.hasLatestBase = true
	}
	for _, rateData := range rateDatas {
		if latest, exists := l.latestEpochs.Get(rateData.ValidatorID); !exists || epoch > latest {
			l.latestEpochs.Set(rateData.ValidatorID, epoch)
		}
	}

	return nil
}

// Append commits a single validator rate row. Epoch 0 is defined at genesis
// and can never be written.
func (l *Ledger) Append(rateData *stake.RateData) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if rateData.Epoch == 0 {
		return ierrors.Wrapf(ErrDuplicateEpoch, "epoch 0 rate row of validator %s is defined at genesis", rateData.ValidatorID)
	}

	store := l.validatorRates(rateData.ValidatorID)
	exists, err := store.Has(rateData.Epoch)
	if err != nil {
		return ierrors.Wrapf(err, "failed to check for existing entry of validator %s at %s", rateData.ValidatorID, rateData.Epoch)
	}
	if exists {
		return ierrors.Wrapf(ErrDuplicateEpoch, "validator %s already has an entry for %s", rateData.ValidatorID, rateData.Epoch)
	}

	if err := store.Set(rateData.Epoch, rateData); err != nil {
		return ierrors.Wrapf(err, "failed to store rate row of validator %s at %s", rateData.ValidatorID, rateData.Epoch)
	}

	if latest, exists := l.latestEpochs.Get(rateData.ValidatorID); !exists || rateData.Epoch > latest {
		l.latestEpochs.Set(rateData.ValidatorID, rateData.Epoch)
	}

	return nil
}

// Get returns the committed rate row of the given validator at the given
// epoch. Epoch 0 always resolves to the genesis row.
func (l *Ledger) Get(validatorID types.ValidatorID, epoch types.EpochIndex) (*stake.RateData, bool, error) {
	if epoch == 0 {
		return stake.GenesisRateData(validatorID), true, nil
	}

	rateData, err := l.validatorRates(validatorID).Get(epoch)
	if err != nil {
		if ierrors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, false, nil
		}

		return nil, false, ierrors.Wrapf(err, "failed to load rate row of validator %s at %s", validatorID, epoch)
	}

	return rateData, true, nil
}

// Latest returns the most recently committed rate row of the given validator,
// or the genesis row if the validator has no entries yet.
func (l *Ledger) Latest(validatorID types.ValidatorID) (*stake.RateData, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	epoch, exists := l.latestEpochs.Get(validatorID)
	if !exists {
		restored, found, err := l.restoreLatestEpoch(validatorID)
		if err != nil {
			return nil, err
		}
		if !found {
			return stake.GenesisRateData(validatorID), nil
		}
		epoch = restored
	}

	rateData, _, err := l.Get(validatorID, epoch)
	if err != nil {
		return nil, err
	}

	return rateData, nil
}

// restoreLatestEpoch rebuilds the latest-epoch cache entry of a validator
// from the backing store, e.g. after a restart.
func (l *Ledger) restoreLatestEpoch(validatorID types.ValidatorID) (types.EpochIndex, bool, error) {
	var (
		latest types.EpochIndex
		found  bool
	)
	if err := l.validatorRates(validatorID).IterateKeys(kvstore.EmptyPrefix, func(epoch types.EpochIndex) bool {
		if !found || epoch > latest {
			latest = epoch
			found = true
		}

		return true
	}); err != nil {
		return 0, false, ierrors.Wrapf(err, "failed to iterate over entries of validator %s", validatorID)
	}

	if found {
		l.latestEpochs.Set(validatorID, latest)
	}

	return latest, found, nil
}

// StreamRates iterates over all committed rate rows of the given validator in
// undefined order.
func (l *Ledger) StreamRates(validatorID types.ValidatorID, consumer func(rateData *stake.RateData) error) error {
	var innerErr error
	if storageErr := l.validatorRates(validatorID).Iterate(kvstore.EmptyPrefix, func(_ types.EpochIndex, rateData *stake.RateData) bool {
		innerErr = consumer(rateData)

		return innerErr == nil
	}); storageErr != nil {
		return ierrors.Wrapf(storageErr, "failed to iterate over entries of validator %s", validatorID)
	}

	if innerErr != nil {
		return ierrors.Wrapf(innerErr, "failed to stream entries of validator %s", validatorID)
	}

	return nil
}

// AppendBase commits a single base rate row, write-once like validator
// entries.
func (l *Ledger) AppendBase(baseRateData *stake.BaseRateData) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if baseRateData.Epoch == 0 {
		return ierrors.Wrap(ErrDuplicateEpoch, "epoch 0 base rate row is defined at genesis")
	}

	exists, err := l.baseRates.Has(baseRateData.Epoch)
	if err != nil {
		return ierrors.Wrapf(err, "failed to check for existing base entry at %s", baseRateData.Epoch)
	}
	if exists {
		return ierrors.Wrapf(ErrDuplicateEpoch, "base exchange rate already committed for %s", baseRateData.Epoch)
	}

	if err := l.baseRates.Set(baseRateData.Epoch, baseRateData); err != nil {
		return ierrors.Wrapf(err, "failed to store base rate row at %s", baseRateData.Epoch)
	}

	if !l.hasLatestBase || baseRateData.Epoch > l.latestBaseEpoch {
		l.latestBaseEpoch = baseRateData.Epoch
		l.hasLatestBase = true
	}

	return nil
}

// GetBase returns the committed base rate row at the given epoch. Epoch 0
// always resolves to the genesis row.
func (l *Ledger) GetBase(epoch types.EpochIndex) (*stake.BaseRateData, bool, error) {
	if epoch == 0 {
		return stake.GenesisBaseRateData(), true, nil
	}

	baseRateData, err := l.baseRates.Get(epoch)
	if err != nil {
		if ierrors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, false, nil
		}

		return nil, false, ierrors.Wrapf(err, "failed to load base rate row at %s", epoch)
	}

	return baseRateData, true, nil
}

// LatestBase returns the most recently committed base rate row, or the
// genesis row if none exists.
func (l *Ledger) LatestBase() (*stake.BaseRateData, error) {
	// full lock because a cache miss restores latestBaseEpoch from the store
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.hasLatestBase {
		if err := l.restoreLatestBaseEpoch(); err != nil {
			return nil, err
		}
		if !l.hasLatestBase {
			return stake.GenesisBaseRateData(), nil
		}
	}

	baseRateData, _, err := l.GetBase(l.latestBaseEpoch)
	if err != nil {
		return nil, err
	}

	return baseRateData, nil
}

func (l *Ledger) restoreLatestBaseEpoch() error {
	var (
		latest types.EpochIndex
		found  bool
	)
	if err := l.baseRates.IterateKeys(kvstore.EmptyPrefix, func(epoch types.EpochIndex) bool {
		if !found || epoch > latest {
			latest = epoch
			found = true
		}

		return true
	}); err != nil {
		return ierrors.Wrap(err, "failed to iterate over base entries")
	}

	if found {
		l.latestBaseEpoch = latest
		l.hasLatestBase = true
	}

	return nil
}
