package dharma

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"

	"github.com/tarancss/defigw/lib/contracts"
)

// DebtOrder is a relayer order in the form the Dharma contracts take it.
type DebtOrder struct {
	ID                      string
	Kernel                  common.Address
	IssuanceVersion         common.Address // repayment router
	Debtor                  common.Address
	Creditor                common.Address
	Underwriter             common.Address
	TermsContract           common.Address
	PrincipalToken          common.Address
	Relayer                 common.Address
	UnderwriterRiskRating   *big.Int
	Salt                    *big.Int
	PrincipalAmount         *big.Int
	UnderwriterFee          *big.Int
	RelayerFee              *big.Int
	CreditorFee             *big.Int
	DebtorFee               *big.Int
	Expiration              *big.Int
	TermsContractParameters common.Hash
	DebtorSignature         contracts.Signature
	CreditorSignature       contracts.Signature
	UnderwriterSignature    contracts.Signature
}

type ecSignature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

func parseSignature(s string) (contracts.Signature, error) {
	var sig contracts.Signature

	if s == "" || s == "null" {
		return sig, nil
	}

	var ec ecSignature
	if err := json.Unmarshal([]byte(s), &ec); err != nil {
		return sig, fmt.Errorf("%w: bad signature %q: %v", ErrUpstream, s, err)
	}

	sig.V = ec.V
	copy(sig.R[:], common.LeftPadBytes(common.FromHex(ec.R), common.HashLength))
	copy(sig.S[:], common.LeftPadBytes(common.FromHex(ec.S), common.HashLength))

	return sig, nil
}

func address(name, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}

	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: bad %s %q", ErrUpstream, name, s)
	}

	return common.HexToAddress(s), nil
}

// NewDebtOrder converts a relayer order.
func NewDebtOrder(o RelayerOrder) (*DebtOrder, error) {
	if !strings.HasPrefix(o.TermsContractParameters, "0x") || len(common.FromHex(o.TermsContractParameters)) != 32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTerms, o.TermsContractParameters)
	}

	d := &DebtOrder{
		ID:                      string(o.ID),
		UnderwriterRiskRating:   o.UnderwriterRiskRating.BigInt(),
		Salt:                    o.Salt.BigInt(),
		PrincipalAmount:         o.PrincipalAmount.BigInt(),
		UnderwriterFee:          o.UnderwriterFee.BigInt(),
		RelayerFee:              o.RelayerFee.BigInt(),
		CreditorFee:             o.CreditorFee.BigInt(),
		DebtorFee:               o.DebtorFee.BigInt(),
		Expiration:              new(big.Int),
		TermsContractParameters: common.HexToHash(o.TermsContractParameters),
	}

	if !o.ExpirationTime.IsZero() {
		d.Expiration.SetInt64(o.ExpirationTime.Unix())
	}

	var err error

	for _, a := range []struct {
		name string
		in   string
		out  *common.Address
	}{
		{"kernelAddress", o.KernelAddress, &d.Kernel},
		{"repaymentRouterAddress", o.RepaymentRouterAddress, &d.IssuanceVersion},
		{"debtorAddress", o.DebtorAddress, &d.Debtor},
		{"creditorAddress", o.CreditorAddress, &d.Creditor},
		{"underwriterAddress", o.UnderwriterAddress, &d.Underwriter},
		{"termsContractAddress", o.TermsContractAddress, &d.TermsContract},
		{"principalTokenAddress", o.PrincipalTokenAddress, &d.PrincipalToken},
		{"relayerAddress", o.RelayerAddress, &d.Relayer},
	} {
		if *a.out, err = address(a.name, a.in); err != nil {
			return nil, err
		}
	}

	for _, s := range []struct {
		in  string
		out *contracts.Signature
	}{
		{o.DebtorSignature, &d.DebtorSignature},
		{o.CreditorSignature, &d.CreditorSignature},
		{o.UnderwriterSignature, &d.UnderwriterSignature},
	} {
		if *s.out, err = parseSignature(s.in); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func word(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(v))
}

// AgreementID returns the issuance hash identifying the debt agreement.
func (d *DebtOrder) AgreementID() common.Hash {
	return crypto.Keccak256Hash(
		d.IssuanceVersion.Bytes(),
		d.Debtor.Bytes(),
		d.Underwriter.Bytes(),
		word(d.UnderwriterRiskRating),
		d.TermsContract.Bytes(),
		d.TermsContractParameters.Bytes(),
		word(d.Salt),
	)
}

// DebtorCommitment returns the hash the debtor signs to accept the order.
func (d *DebtOrder) DebtorCommitment() common.Hash {
	return crypto.Keccak256Hash(
		d.Kernel.Bytes(),
		d.AgreementID().Bytes(),
		word(d.UnderwriterFee),
		word(d.PrincipalAmount),
		d.PrincipalToken.Bytes(),
		word(d.DebtorFee),
		word(d.CreditorFee),
		d.Relayer.Bytes(),
		word(d.RelayerFee),
		word(d.Expiration),
	)
}

// Args returns the order flattened for the kernel and the creditor proxy.
func (d *DebtOrder) Args() contracts.DebtOrderArgs {
	return contracts.DebtOrderArgs{
		Creditor:  d.Creditor,
		Addresses: [6]common.Address{d.IssuanceVersion, d.Debtor, d.Underwriter, d.TermsContract, d.PrincipalToken, d.Relayer},
		Values: [8]*big.Int{d.UnderwriterRiskRating, d.Salt, d.PrincipalAmount, d.UnderwriterFee, d.RelayerFee,
			d.CreditorFee, d.DebtorFee, d.Expiration},
		Bytes32:    [1][32]byte{d.TermsContractParameters},
		Signatures: [3]contracts.Signature{d.DebtorSignature, d.CreditorSignature, d.UnderwriterSignature},
	}
}
