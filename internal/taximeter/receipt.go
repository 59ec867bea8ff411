package taximeter

import (
	"fmt"
	"strings"
)

// ReceiptTimeFormat is the printed timestamp layout on receipts.
const ReceiptTimeFormat = "02.01.2006 15:04"

// Receipt is the persisted receipt payload of a stopped ride.
type Receipt struct {
	Company    string    `json:"company"`
	Slogan     string    `json:"slogan,omitempty"`
	Breakdown  Breakdown `json:"breakdown"`
	DistanceKm float64   `json:"distance"`
	PrintedAt  string    `json:"printed_at"`
	Text       string    `json:"text"`
}

// FormatReceipt renders the printable receipt text. Zero-cost bands
// are omitted.
func FormatReceipt(company, slogan string, b Breakdown, distanceKm float64, printedAt string) string {
	var lines []string
	if company != "" {
		lines = append(lines, company)
		if slogan != "" {
			lines = append(lines, slogan)
		}
		lines = append(lines, "")
	}
	if printedAt != "" {
		lines = append(lines, fmt.Sprintf("Datum: %s", printedAt), "")
	}
	lines = append(lines, fmt.Sprintf("Grundpreis:%7.2f €", b.Base))
	if b.Km12 > 0 {
		lines = append(lines, fmt.Sprintf("%.2f km x %.2f € =%7.2f €", b.Km12, b.Rate12, b.Cost12))
	}
	if b.Km34 > 0 {
		lines = append(lines, fmt.Sprintf("%.2f km x %.2f € =%7.2f €", b.Km34, b.Rate34, b.Cost34))
	}
	if b.Km5Plus > 0 {
		lines = append(lines, fmt.Sprintf("%.2f km x %.2f € =%7.2f €", b.Km5Plus, b.Rate5Plus, b.Cost5Plus))
	}
	if b.WaitCost > 0 {
		lines = append(lines, fmt.Sprintf("Standzeit %ds =%7.2f €", int(b.WaitTime), b.WaitCost))
	}
	lines = append(lines,
		"--------------------",
		fmt.Sprintf("Gesamt:%9.2f €", b.Total),
		fmt.Sprintf("Fahrstrecke: %.2f km", distanceKm),
	)
	return strings.Join(lines, "\n")
}
