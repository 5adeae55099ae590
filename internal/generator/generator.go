package generator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/fintrace/riskpipe/pkg/riskclient"
)

// Manifest records the patterns planted in a dataset so a replay can be checked against them.
type Manifest struct {
	Seed  int64      `json:"seed"`
	Rings [][]string `json:"rings"`
	Mules []string   `json:"mules"`
}

// Dataset contains the generated transactions and what was planted in them.
type Dataset struct {
	Transactions []riskclient.TransactionRequest `json:"transactions"`
	Manifest     Manifest                        `json:"manifest"`
}

// Generator produces synthetic transfer streams with planted rings and mule accounts.
type Generator struct {
	cfg     Config
	rand    *rand.Rand
	devices []string
}

// New returns a configured Generator instance.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.NumUsers <= 1 {
		cfg.NumUsers = def.NumUsers
	}
	if cfg.NumTransactions < 0 {
		cfg.NumTransactions = 0
	}
	if cfg.MinRingSize < 2 {
		cfg.MinRingSize = 2
	}
	if cfg.MaxRingSize < cfg.MinRingSize {
		cfg.MaxRingSize = cfg.MinRingSize
	}
	if cfg.MuleFanIn > cfg.NumUsers {
		cfg.MuleFanIn = cfg.NumUsers
	}
	if cfg.MuleFanIn < 0 {
		cfg.MuleFanIn = 0
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &Generator{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Generate synthesises the transfer stream. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Dataset, error) {
	background := make([]riskclient.TransactionRequest, 0, g.cfg.NumTransactions)
	for i := 0; i < g.cfg.NumTransactions; i++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		sender := g.rand.Intn(g.cfg.NumUsers)
		receiver := g.rand.Intn(g.cfg.NumUsers)
		if sender == receiver {
			receiver = (receiver + 1) % g.cfg.NumUsers
		}
		background = append(background, g.transfer(userID(sender), userID(receiver)))
	}

	manifest := Manifest{Seed: g.cfg.Seed, Rings: [][]string{}, Mules: []string{}}
	var planted []riskclient.TransactionRequest

	for r := 0; r < g.cfg.Rings; r++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		size := g.cfg.MinRingSize + g.rand.Intn(g.cfg.MaxRingSize-g.cfg.MinRingSize+1)
		members := make([]string, size)
		for i := range members {
			members[i] = fmt.Sprintf("RING-%03d-%d", r+1, i+1)
		}
		for i := range members {
			leg := g.transfer(members[i], members[(i+1)%size])
			leg.Amount = g.quietAmount()
			leg.Currency = "INR"
			planted = append(planted, leg)
		}
		manifest.Rings = append(manifest.Rings, members)
	}

	for m := 0; m < g.cfg.Mules; m++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		mule := fmt.Sprintf("MULE-%03d", m+1)
		for _, idx := range g.rand.Perm(g.cfg.NumUsers)[:g.cfg.MuleFanIn] {
			leg := g.transfer(userID(idx), mule)
			leg.Amount = g.quietAmount()
			planted = append(planted, leg)
		}
		manifest.Mules = append(manifest.Mules, mule)
	}

	txs := g.interleave(background, planted)
	for i := range txs {
		txs[i].TxnID = fmt.Sprintf("TX-%07d", i+1)
	}
	return Dataset{Transactions: txs, Manifest: manifest}, nil
}

// interleave scatters planted legs through the background stream, keeping their relative order
// so every ring closes on its last leg.
func (g *Generator) interleave(background, planted []riskclient.TransactionRequest) []riskclient.TransactionRequest {
	total := len(background) + len(planted)
	slots := g.rand.Perm(total)[:len(planted)]
	sort.Ints(slots)

	out := make([]riskclient.TransactionRequest, 0, total)
	b, p := 0, 0
	for i := 0; i < total; i++ {
		if p < len(slots) && slots[p] == i {
			out = append(out, planted[p])
			p++
			continue
		}
		out = append(out, background[b])
		b++
	}
	return out
}

func (g *Generator) transfer(sender, receiver string) riskclient.TransactionRequest {
	txnType := g.randomTransactionType()
	tx := riskclient.TransactionRequest{
		UserID:            sender,
		ReceiverID:        receiver,
		Amount:            g.randomAmount(),
		Currency:          g.randomCurrency(),
		TxnType:           txnType,
		DeviceFingerprint: g.sharedDevice(),
	}
	if txnType == "PAYMENT" {
		tx.MerchantID = fmt.Sprintf("MER-%03d", g.rand.Intn(200)+1)
	}
	return tx
}

func (g *Generator) randomAmount() decimal.Decimal {
	if g.rand.Float64() < g.cfg.HighValueChance {
		return decimal.NewFromFloat(10001 + g.rand.Float64()*40000).Round(2)
	}
	return decimal.NewFromFloat(100 + g.rand.Float64()*4900).Round(2)
}

// quietAmount stays under every amount threshold so planted patterns only surface in the graph.
func (g *Generator) quietAmount() decimal.Decimal {
	return decimal.NewFromFloat(200 + g.rand.Float64()*300).Round(2)
}

func (g *Generator) randomCurrency() string {
	if g.rand.Float64() < g.cfg.ForeignCurrencyChance {
		foreign := []string{"USD", "EUR", "GBP", "AED"}
		return foreign[g.rand.Intn(len(foreign))]
	}
	return "INR"
}

func (g *Generator) randomTransactionType() string {
	types := []string{"TRANSFER", "PAYMENT", "WITHDRAWAL", "DEPOSIT"}
	return types[g.rand.Intn(len(types))]
}

func (g *Generator) sharedDevice() string {
	if len(g.devices) > 0 && g.rand.Float64() < 0.3 {
		return g.devices[g.rand.Intn(len(g.devices))]
	}
	id := fmt.Sprintf("device-%06d", g.rand.Intn(999999))
	g.devices = append(g.devices, id)
	return id
}

func userID(i int) string {
	return fmt.Sprintf("USR-%06d", i+1)
}
