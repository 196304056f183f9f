package tx

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and outputs at the given fee rate (base units per weight
// unit).
//
// The estimate is based on the SigningBytes layout (which excludes signatures):
//
//	version(4) + inputCount(4) + inputs(40*n) + outputCount(4) + outputs(33*n) + locktime(8)
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64) uint64 {
	const overhead = 4 + 4 + 4 + 8       // version + inputCount + outputCount + locktime
	const perInput = 32 + 4 + 4          // txID + index + sequence
	const perOutput = 8 + 1 + 4 + 20     // value + scriptType + scriptDataLen + P2PKH addr

	size := overhead + perInput*numInputs + perOutput*numOutputs
	return uint64(size) * feeRate
}

// RequiredFee returns the exact minimum fee for a fully built transaction
// at the given fee rate (base units per weight unit). This is more accurate
// than EstimateTxFee for transactions with non-standard outputs.
func RequiredFee(transaction *Transaction, feeRate uint64) uint64 {
	return transaction.Weight() * feeRate
}
