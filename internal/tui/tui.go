// Package tui renders a live receiver status screen in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rjboer/lritrecv/internal/packetizer"
	"github.com/rjboer/lritrecv/internal/telemetry"
)

// Source provides the data shown on screen. telemetry.Hub implements it.
type Source interface {
	Latest() map[string]telemetry.Snapshot
	Spectrum() telemetry.SpectrumSnapshot
	Health() telemetry.HealthStatus
}

// ChannelCounter counts decoded packets per virtual channel. It implements
// publisher.Packets.
type ChannelCounter struct {
	mu     sync.Mutex
	counts map[int]uint64
	scid   int
}

// PublishPacket implements publisher.Packets.
func (c *ChannelCounter) PublishPacket(packet []byte) {
	if len(packet) < 6 {
		return
	}
	p := packetizer.Packet(packet)
	c.mu.Lock()
	if c.counts == nil {
		c.counts = make(map[int]uint64)
	}
	c.counts[p.VirtualChannelID()]++
	c.scid = p.SpacecraftID()
	c.mu.Unlock()
}

// Counts returns a copy of the per channel counts and the last spacecraft id.
func (c *ChannelCounter) Counts() (map[int]uint64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out, c.scid
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	badStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type tickMsg time.Time

// Model is the bubbletea model of the status screen.
type Model struct {
	src      Source
	channels *ChannelCounter
	interval time.Duration
	title    string

	latest   map[string]telemetry.Snapshot
	spectrum telemetry.SpectrumSnapshot
	health   telemetry.HealthStatus
	width    int
	quitting bool
}

// NewModel builds a model refreshing from src every interval. channels may
// be nil.
func NewModel(title string, src Source, channels *ChannelCounter, interval time.Duration) Model {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return Model{src: src, channels: channels, interval: interval, title: title, width: 80}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return tick(m.interval) }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.refresh()
		return m, tick(m.interval)
	}
	return m, nil
}

func (m *Model) refresh() {
	m.latest = m.src.Latest()
	m.spectrum = m.src.Spectrum()
	m.health = m.src.Health()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "stopping receiver...\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("  ")
	b.WriteString(statusText(m.health.Status))
	b.WriteString("\n\n")

	dec := m.latest["decoder"].Stats
	rows := [][2]string{
		{"lock", lockText(dec["locked"] == 1, dec["inverted"] == 1)},
		{"frames ok/failed", fmt.Sprintf("%.0f / %.0f", dec["frames_ok"], dec["frames_failed"])},
		{"resyncs", fmt.Sprintf("%.0f", dec["resyncs"])},
		{"viterbi errors", fmt.Sprintf("%.0f", dec["viterbi_errors"])},
		{"rs corrections", fmt.Sprintf("%.0f %.0f %.0f %.0f",
			dec["rs_corrections_0"], dec["rs_corrections_1"], dec["rs_corrections_2"], dec["rs_corrections_3"])},
		{"agc gain", fmt.Sprintf("%.3f", m.latest["agc"].Stats["gain"])},
		{"carrier offset", fmt.Sprintf("%.1f Hz", m.latest["costas"].Stats["frequency"])},
		{"omega", fmt.Sprintf("%.4f", m.latest["clock_recovery"].Stats["omega"])},
		{"dropped samples", fmt.Sprintf("%.0f", m.latest["source"].Stats["dropped"])},
	}
	var table strings.Builder
	for i, r := range rows {
		if i > 0 {
			table.WriteByte('\n')
		}
		table.WriteString(labelStyle.Render(fmt.Sprintf("%-17s", r[0])))
		table.WriteString(r[1])
	}
	left := boxStyle.Render(table.String())
	right := boxStyle.Render(m.channelView())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	b.WriteString("\n")

	if len(m.spectrum.Bins) > 0 {
		width := m.width - 4
		if width < 16 {
			width = 16
		}
		spec := Sparkline(m.spectrum.Bins, width)
		caption := labelStyle.Render(fmt.Sprintf("spectrum  peak %.1f dBFS  snr %.1f dB", m.spectrum.PeakDBFS, m.spectrum.SNR))
		b.WriteString(boxStyle.Render(spec + "\n" + caption))
		b.WriteString("\n")
	}
	b.WriteString(labelStyle.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) channelView() string {
	if m.channels == nil {
		return labelStyle.Render("no packet counter")
	}
	counts, scid := m.channels.Counts()
	if len(counts) == 0 {
		return labelStyle.Render("no packets yet")
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var b strings.Builder
	b.WriteString(labelStyle.Render(fmt.Sprintf("spacecraft %d", scid)))
	for _, id := range ids {
		fmt.Fprintf(&b, "\nvc %2d  %d", id, counts[id])
	}
	return b.String()
}

func statusText(status string) string {
	switch status {
	case "ok":
		return okStyle.Render("OK")
	case "searching":
		return warnStyle.Render("SEARCHING")
	default:
		return badStyle.Render("NO SIGNAL")
	}
}

func lockText(locked, inverted bool) string {
	if !locked {
		return warnStyle.Render("searching")
	}
	if inverted {
		return okStyle.Render("locked (inverted)")
	}
	return okStyle.Render("locked")
}

var levels = []rune("▁▂▃▄▅▆▇█")

// Sparkline draws bins as a single row of block characters, taking the
// maximum of the bins that fall in each column.
func Sparkline(bins []float64, width int) string {
	if len(bins) == 0 || width <= 0 {
		return ""
	}
	if width > len(bins) {
		width = len(bins)
	}
	cols := make([]float64, width)
	for c := range cols {
		start := c * len(bins) / width
		end := (c + 1) * len(bins) / width
		v := bins[start]
		for _, x := range bins[start:end] {
			if x > v {
				v = x
			}
		}
		cols[c] = v
	}
	lo, hi := cols[0], cols[0]
	for _, v := range cols {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]rune, width)
	for i, v := range cols {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(levels)-1))
		}
		out[i] = levels[idx]
	}
	return string(out)
}

// Run shows the status screen until the user quits or ctx is cancelled.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
