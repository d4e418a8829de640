package cmd

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"alertfeed/core"

	"github.com/google/uuid"
)

var signatures = []string{
	"ET SCAN Nmap Scripting Engine User-Agent Detected",
	"ET POLICY SSH session in progress on Unusual Port",
	"ET EXPLOIT Possible SQL Injection Attempt UNION SELECT",
	"ET WEB_SERVER Possible Directory Traversal Attempt",
	"ET TROJAN Possible Reverse Shell Outbound",
	"ET INFO Suspicious PowerShell Encoded Command",
	"ET DNS Query for Suspicious TLD",
	"GPL ATTACK_RESPONSE id check returned root",
}

// alertGenerator produces synthetic IDS alerts for local testing.
type alertGenerator struct {
	rand       *rand.Rand
	sourceFile string
	offset     uint64
}

func newAlertGenerator(seed int64, sourceFile string) *alertGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &alertGenerator{
		rand:       rand.New(rand.NewSource(seed)),
		sourceFile: sourceFile,
	}
}

// Generate returns n alerts whose business time falls within spread before now.
func (g *alertGenerator) Generate(n int, now time.Time, spread time.Duration) []core.Alert {
	alerts := make([]core.Alert, 0, n)
	for i := 0; i < n; i++ {
		alerts = append(alerts, g.next(now, spread))
	}
	return alerts
}

func (g *alertGenerator) next(now time.Time, spread time.Duration) core.Alert {
	signature := g.randomStringChoice(signatures)
	severity := core.Severities[g.rand.Intn(len(core.Severities))]
	sourceIP := g.randomIP(true)
	destIP := g.randomIP(false)

	payload, _ := json.Marshal(map[string]interface{}{
		"src_ip":    sourceIP,
		"src_port":  g.rand.Intn(60000) + 1024,
		"dest_ip":   destIP,
		"dest_port": g.randomIntChoice([]int{22, 53, 80, 443, 445, 3389, 8080}),
		"proto":     g.randomStringChoice([]string{"TCP", "UDP"}),
		"alert": map[string]interface{}{
			"signature":    signature,
			"signature_id": 2000000 + g.rand.Intn(100000),
		},
	})

	var jitter time.Duration
	if spread > 0 {
		jitter = time.Duration(g.rand.Int63n(int64(spread)))
	}

	g.offset += uint64(len(payload)) + 1
	return core.Alert{
		ID:           uuid.New().String(),
		BusinessTime: now.Add(-jitter).UTC(),
		Severity:     severity,
		Message:      signature,
		Payload:      string(payload),
		SourceFile:   g.sourceFile,
		SourceOffset: g.offset,
	}
}

func (g *alertGenerator) randomIP(external bool) string {
	if external {
		return g.randomStringChoice([]string{
			fmt.Sprintf("192.0.2.%d", g.rand.Intn(255)),
			fmt.Sprintf("198.51.100.%d", g.rand.Intn(255)),
			fmt.Sprintf("203.0.113.%d", g.rand.Intn(255)),
		})
	}
	return fmt.Sprintf("10.0.%d.%d", g.rand.Intn(255), g.rand.Intn(255))
}

func (g *alertGenerator) randomStringChoice(choices []string) string {
	return choices[g.rand.Intn(len(choices))]
}

func (g *alertGenerator) randomIntChoice(choices []int) int {
	return choices[g.rand.Intn(len(choices))]
}
