package exchange

import (
	crand "crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polymarket-quoter/pkg/types"
)

// CTF exchange contracts on Polygon. Neg-risk markets settle through a
// separate exchange, so the EIP-712 domain differs per market.
const (
	ctfExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress            = "0x0000000000000000000000000000000000000000"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

var maxSalt = new(big.Int).Lsh(big.NewInt(1), 64)

// buildOrderPayload converts a high-level UserOrder into the signed on-chain
// order the REST API expects: human price/size become 1e6-scaled maker/taker
// amounts, the maker is the funder wallet, the signer the EOA, the taker the
// zero address (anyone can fill), and the whole struct is EIP-712 signed
// against the market's exchange contract.
func (c *Client) buildOrderPayload(order types.UserOrder, negRisk bool) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	salt, err := crand.Int(crand.Reader, maxSalt)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("generate salt: %w", err)
	}

	signed := types.SignedOrder{
		Salt:          salt.String(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}

	sig, err := c.signOrder(signed, negRisk)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("sign order: %w", err)
	}
	signed.Signature = sig

	return types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
		PostOnly:  true,
	}, nil
}

func (c *Client) signOrder(o types.SignedOrder, negRisk bool) (string, error) {
	exchange := ctfExchangeAddress
	if negRisk {
		exchange = negRiskExchangeAddress
	}

	tokenID, ok := new(big.Int).SetString(o.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("invalid token ID %q", o.TokenID)
	}

	sideVal := "0"
	if o.Side == types.SELL {
		sideVal = "1"
	}

	sig, err := c.auth.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(c.auth.chainID)),
			VerifyingContract: common.HexToAddress(exchange).Hex(),
		},
		orderTypes,
		apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       tokenID.String(),
			"makerAmount":   o.MakerAmount.String(),
			"takerAmount":   o.TakerAmount.String(),
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          sideVal,
			"signatureType": fmt.Sprintf("%d", int(o.SignatureType)),
		},
		"Order",
	)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}
