package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RegistryABI is the interface of the pathway token registry contract: an
// ERC-721 collection keyed by a bytes32 pathway key.
const RegistryABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"pathwayKey","type":"bytes32"},{"name":"to","type":"address"},{"name":"uri","type":"string"},{"name":"strength","type":"uint8"}],
   "outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"updateStrength","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"strength","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"tokenOf","stateMutability":"view",
   "inputs":[{"name":"pathwayKey","type":"bytes32"}],
   "outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"event","name":"PathwayMinted","anonymous":false,
   "inputs":[{"name":"pathwayKey","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":false}]}
]`

const mintedEvent = "PathwayMinted"

func parseRegistryABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(RegistryABI))
}

// PathwayKey hashes a pathway identifier into the registry's bytes32 key.
func PathwayKey(pathwayID string) common.Hash {
	return crypto.Keccak256Hash([]byte(pathwayID))
}
