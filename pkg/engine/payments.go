package engine

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/script"
)

// SendPayment pays amount from one payment node to another: by keysend
// when the command asks for it, otherwise through an invoice to created
// with the command tag or a generated memo.
func SendPayment(ctx context.Context, from, to L2Node, cmd NodeCommand, timeout time.Duration) error {
	amount := cmd.AmountOr(DefaultPaymentAmount)

	if cmd.Subcommand == script.SubcommandKeysend {
		pubkey, err := to.Pubkey(ctx)
		if err != nil {
			return err
		}
		if pubkey == "" {
			return NewPermanentError("no pubkey for keysend", nil).WithResource(to.Name())
		}
		return from.Keysend(ctx, pubkey, amount, timeout)
	}

	memo := cmd.Tag
	if memo == "" {
		memo = GenerateMemo()
	}
	invoice, err := to.CreateInvoice(ctx, amount, memo)
	if err != nil {
		return err
	}
	if invoice == "" {
		return NewPermanentError("invoice was not created", nil).WithResource(to.Name())
	}
	return from.PayInvoice(ctx, invoice, timeout)
}

// SendOnChain pays amount sats from the wallet of one payment node to a
// fresh address of another and returns the txid.
func SendOnChain(ctx context.Context, from, to L2Node, amount int64) (string, error) {
	address, err := to.CreateAddress(ctx)
	if err != nil {
		return "", err
	}
	if address == "" {
		return "", NewPermanentError("no address to pay to", nil).WithResource(to.Name())
	}
	return from.SendOnChain(ctx, address, amount)
}

// FundFromMiner sends the starting balance of node from the miner wallet
// and mines confirmations blocks so the funds are spendable.
func FundFromMiner(ctx context.Context, node L2Node, miner L1Node, confirmations int64) (string, error) {
	address, err := node.CreateAddress(ctx)
	if err != nil {
		return "", err
	}
	if address == "" {
		return "", NewPermanentError("no address to fund", nil).WithResource(node.Name())
	}
	txid, err := miner.SendToAddress(ctx, address, node.StartingBalance())
	if err != nil {
		return "", err
	}
	if err := miner.MineBlocks(ctx, confirmations); err != nil {
		return txid, err
	}
	return txid, nil
}

var memoWords = []string{
	"piano", "balance", "transaction", "exchange", "receipt", "wire",
	"deposit", "wallet", "sats", "profit", "transfer", "vendor",
	"investment", "payment", "debit", "card", "bank", "account", "money",
	"order", "gateway", "online", "confirmation", "interest", "fraud",
	"Olivia", "Elijah", "Ava", "Liam", "Isabella", "Mason", "Sophia",
	"William", "Emma", "James", "parrot", "dolphin", "breeze", "moonlight",
	"whisper", "velvet", "marble", "sunset", "seashell", "peacock",
	"rainbow", "guitar", "harmony", "crystal", "butterfly", "stardust",
	"cascade", "serenade", "lighthouse", "orchid", "sapphire", "silhouette",
	"tulip", "firefly", "brook", "feather", "mermaid", "twilight",
	"dandelion", "morning", "serenity", "emerald", "flamingo", "gazelle",
	"ocean", "carousel", "sparkle", "dewdrop", "paradise", "polaris",
	"meadow", "quartz", "zenith", "horizon", "sunflower", "melody",
	"trinket", "whisker", "cabana", "harp", "blossom", "jubilee",
	"raindrop", "sunrise", "zeppelin", "whistle", "ebony", "gardenia",
	"lily", "marigold", "panther", "starlight", "harmonica", "shimmer",
	"canary", "comet", "moonstone", "rainforest", "buttercup", "zephyr",
	"violet", "swan", "pebble", "coral", "radiance", "violin", "zodiac",
}

// GenerateMemo returns two random words separated by a space.
func GenerateMemo() string {
	words := make([]string, 2)
	for i := range words {
		words[i] = memoWords[rand.IntN(len(memoWords))]
	}
	return strings.Join(words, " ")
}
