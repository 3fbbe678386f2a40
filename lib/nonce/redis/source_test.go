package redis

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type source struct {
	mined, pending uint64
}

func (s *source) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return s.pending, nil
}

func (s *source) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return s.mined, nil
}
