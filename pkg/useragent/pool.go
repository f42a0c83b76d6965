package useragent

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
)

// Bot is the product token the fetcher announces to robots.txt rules.
const Bot = "prospect-bot"

// DefaultPool is a set of current desktop browser User-Agents.
var DefaultPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.6; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36 Edg/128.0.0.0",
}

// Strategy selects how Pool.Next picks an entry.
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	Random     Strategy = "random"
	// Identify always sends the bot identity instead of a browser string.
	Identify Strategy = "identify"
)

// Pool hands out User-Agent strings. It is safe for concurrent use.
type Pool struct {
	uas      []string
	strategy Strategy
	identity string
	counter  atomic.Uint64
}

// NewPool creates a pool. An empty uas falls back to DefaultPool and an empty
// strategy to RoundRobin. identity is the string used by the Identify strategy
// and defaults to Bot.
func NewPool(uas []string, strategy Strategy, identity string) *Pool {
	if len(uas) == 0 {
		uas = DefaultPool
	}
	if strategy == "" {
		strategy = RoundRobin
	}
	if identity == "" {
		identity = Bot
	}
	return &Pool{
		uas:      append([]string(nil), uas...),
		strategy: strategy,
		identity: identity,
	}
}

// Next returns the User-Agent for the next request.
func (p *Pool) Next() string {
	switch p.strategy {
	case Identify:
		return p.identity
	case Random:
		return p.random()
	default:
		return p.sequential()
	}
}

// Identity is the token matched against robots.txt groups.
func (p *Pool) Identity() string {
	return p.identity
}

func (p *Pool) sequential() string {
	idx := p.counter.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

func (p *Pool) random() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.uas))))
	if err != nil {
		return p.sequential()
	}
	return p.uas[n.Int64()]
}

// All returns a copy of the configured browser User-Agents.
func (p *Pool) All() []string {
	return append([]string(nil), p.uas...)
}
