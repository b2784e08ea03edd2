package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

// Params describes the network the session connects to.
type Params struct {
	Name          string
	Magic         uint32
	DefaultPort   uint16
	GenesisHeader BlockHeader
	// TargetSpacing is the nominal block interval in seconds.
	TargetSpacing uint32
}

// mutinynetChallenge is the signet challenge script: a 1-of-1
// CHECKMULTISIG over the network operator's key.
const mutinynetChallenge = "512102f7561d208dd9ae99bf497273e16f389bdbd6c4742ddb8e6b216e64fa2928ad8f51ae"

// MagicFromChallenge derives a signet's message-start bytes: the leading
// four bytes of double-SHA256 over the compact-size-prefixed challenge
// script. The default signet challenge maps to the well-known 0a03cf40.
func MagicFromChallenge(challenge []byte) uint32 {
	var buf bytes.Buffer
	_ = WriteVarInt(&buf, uint64(len(challenge)))
	buf.Write(challenge)
	sum := DoubleSHA256(buf.Bytes())
	return binary.LittleEndian.Uint32(sum[:4])
}

// signetGenesisHeader returns the genesis header shared by all signets
// (the challenge only affects block acceptance, not the genesis block).
func signetGenesisHeader() BlockHeader {
	merkle, _ := types.HexToHash("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	return BlockHeader{
		Version:    1,
		MerkleRoot: merkle,
		Timestamp:  1598918400,
		Bits:       0x1e0377ae,
		Nonce:      52613770,
	}
}

// MutinynetParams returns the parameters for the Mutinynet signet variant.
func MutinynetParams() Params {
	challenge, _ := hex.DecodeString(mutinynetChallenge)
	return Params{
		Name:          "mutinynet",
		Magic:         MagicFromChallenge(challenge),
		DefaultPort:   38333,
		GenesisHeader: signetGenesisHeader(),
		TargetSpacing: 30,
	}
}
