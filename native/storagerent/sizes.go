package storagerent

const (
	recordOverhead   = 40
	amountBytes      = 16
	timestampBytes   = 8
	assetIDBytes     = 32
	farmScalarFields = 8 + 8 + 8 + 16 + 8
)

// FarmRecordBytes estimates the persisted size of a farm with rewards
// reward slots: fixed scalars, two amount vectors and the asset identifiers.
func FarmRecordBytes(rewards int) uint64 {
	n := uint64(max(rewards, 0))
	return recordOverhead +
		farmScalarFields +
		amountBytes*n + // reward per share
		amountBytes*n + // reward per session
		assetIDBytes +
		assetIDBytes*n
}

// StakeRecordBytes estimates the persisted size of one stake in a farm with
// rewards reward slots.
func StakeRecordBytes(rewards int) uint64 {
	n := uint64(max(rewards, 0))
	return recordOverhead +
		amountBytes +
		timestampBytes +
		amountBytes*n + // reward debt
		amountBytes*n // accrued
}
