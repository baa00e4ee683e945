package settlement

import (
	"fmt"
	"strings"

	"github.com/atmx/post-trade-engine/internal/model"
)

// Placeholder BICs until account reference data is available.
const (
	senderBIC   = "PTEXUS33AXXX"
	receiverBIC = "PTEXGB2LXXXX"
)

// GenerateSWIFTMessage renders an instruction as an MT103 single customer
// credit transfer. The amount uses a comma as the decimal mark and the value
// date is YYMMDD.
func GenerateSWIFTMessage(in model.SettlementInstruction) string {
	amount := strings.Replace(in.Amount.Abs().StringFixed(2), ".", ",", 1)
	payer, receiver := in.PayerAccount, in.ReceiverAccount
	if in.Amount.IsNegative() {
		payer, receiver = receiver, payer
	}

	var b strings.Builder
	fmt.Fprintf(&b, "{1:F01%s0000000000}", senderBIC)
	fmt.Fprintf(&b, "{2:I103%sN}", receiverBIC)
	b.WriteString("{4:\n")
	fmt.Fprintf(&b, ":20:%s\n", in.ID)
	b.WriteString(":23B:CRED\n")
	fmt.Fprintf(&b, ":32A:%s%s%s\n", in.SettlementDate.UTC().Format("060102"), in.Currency, amount)
	fmt.Fprintf(&b, ":50K:/%s\n", payer)
	fmt.Fprintf(&b, ":59:/%s\n", receiver)
	fmt.Fprintf(&b, ":70:/RFB/%s\n", in.TradeID)
	b.WriteString(":71A:SHA\n")
	b.WriteString("-}")
	return b.String()
}
