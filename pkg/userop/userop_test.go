package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOp() *UserOperation {
	return &UserOperation{
		Sender:               common.HexToAddress("0x4e9A0d7e3E0A71Ac1F02a49e29F1b4015b3f1A3c"),
		Nonce:                big.NewInt(7),
		InitCode:             []byte{},
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(70_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(3),
		MaxPriorityFeePerGas: big.NewInt(1),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
}

func TestGetFactoryAndPaymaster(t *testing.T) {
	op := sampleOp()
	assert.Equal(t, common.Address{}, op.GetFactory())
	assert.Equal(t, common.Address{}, op.GetPaymaster())
	assert.False(t, op.HasFactory())
	assert.False(t, op.HasPaymaster())

	factory := common.HexToAddress("0x1111111111111111111111111111111111111111")
	paymaster := common.HexToAddress("0x2222222222222222222222222222222222222222")
	op.InitCode = append(factory.Bytes(), 0xca, 0xfe)
	op.PaymasterAndData = paymaster.Bytes()

	assert.Equal(t, factory, op.GetFactory())
	assert.Equal(t, paymaster, op.GetPaymaster())
	assert.True(t, op.HasFactory())
	assert.True(t, op.HasPaymaster())
}

func TestMaxPrefund(t *testing.T) {
	op := sampleOp()

	// Without a paymaster the verification limit counts once:
	// (100000 + 70000 + 21000) * 3.
	assert.Equal(t, big.NewInt(573_000), op.MaxPrefund())

	// With a paymaster it counts three times.
	op.PaymasterAndData = common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()
	assert.Equal(t, big.NewInt(993_000), op.MaxPrefund())
}

func TestGetUserOpHashDependsOnDomain(t *testing.T) {
	op := sampleOp()
	epA := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	epB := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

	base := op.GetUserOpHash(epA, big.NewInt(1))
	assert.NotEqual(t, base, op.GetUserOpHash(epB, big.NewInt(1)))
	assert.NotEqual(t, base, op.GetUserOpHash(epA, big.NewInt(11155111)))
	assert.Equal(t, base, sampleOp().GetUserOpHash(epA, big.NewInt(1)))

	// The signature is not part of the hash preimage.
	signed := sampleOp()
	signed.Signature = []byte{0xff, 0xee}
	assert.Equal(t, base, signed.GetUserOpHash(epA, big.NewInt(1)))
}

func TestJSONRoundTrip(t *testing.T) {
	op := sampleOp()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"maxFeePerGas":"0x3"`)

	var back UserOperation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, op.Sender, back.Sender)
	assert.Zero(t, op.Nonce.Cmp(back.Nonce))
	assert.Equal(t, op.CallData, back.CallData)
}
