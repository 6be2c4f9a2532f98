package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/inference"
)

var (
	benchN          int
	benchTokenDelay time.Duration
	benchWords      int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run concurrent conversations against the scripted backend",
	Long: `Start N conversations at once on the in-process scripted backend and report
how their generations were scheduled. The engine runs one generation at a time
in arrival order, so token streams of different conversations never interleave.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchN, "count", "n", 4, "number of concurrent conversations")
	benchCmd.Flags().DurationVar(&benchTokenDelay, "token-delay", 2*time.Millisecond, "delay before each scripted token")
	benchCmd.Flags().IntVar(&benchWords, "words", 16, "words per scripted answer")
	rootCmd.AddCommand(benchCmd)
}

// tokenTrace records which conversation every streamed token belonged to,
// in dispatch order.
type tokenTrace struct {
	mu    sync.Mutex
	order []string
}

func (t *tokenTrace) Emit(_ context.Context, e bus.Event) {
	if e.Type != bus.TokenStreamed {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, e.ConversationID)
}

// runs collapses the trace into consecutive runs of one conversation.
func (t *tokenTrace) runs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, id := range t.order {
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	return out
}

// benchReport summarizes one bench run.
type benchReport struct {
	Conversations int
	Tokens        int
	Elapsed       time.Duration
	Serialized    bool
	Order         []string
	Results       []agent.Result
	Dropped       uint64
}

// Rate is the token throughput over the wall time.
func (r *benchReport) Rate() float64 {
	return inference.Stats{Tokens: r.Tokens, Duration: r.Elapsed}.TokensPerSecond()
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchN <= 0 {
		return fmt.Errorf("-n must be positive")
	}
	rep, err := bench(cmd.Context(), benchN, benchWords, benchTokenDelay)
	if err != nil {
		return err
	}
	printBench(cmd.OutOrStdout(), rep)
	if !rep.Serialized {
		return fmt.Errorf("token streams interleaved")
	}
	return nil
}

func bench(ctx context.Context, n, words int, delay time.Duration) (*benchReport, error) {
	answer := strings.TrimSpace(strings.Repeat("token ", words))
	trace := &tokenTrace{}
	a, err := startApp(appOptions{
		sinks:      []bus.Sink{trace},
		backend:    "scripted",
		respond:    func(string) string { return answer },
		tokenDelay: delay,
	})
	if err != nil {
		return nil, err
	}
	defer a.Close()

	reqs := make([]agent.Request, n)
	for i := range reqs {
		reqs[i] = agent.Request{
			ConversationID: fmt.Sprintf("bench-%d-%d", time.Now().UnixNano(), i),
			Text:           fmt.Sprintf("benchmark request %d", i),
		}
	}

	start := time.Now()
	results, err := a.manager.RunAll(ctx, reqs)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	a.drain(5 * time.Second)

	runs := trace.runs()
	seen := make(map[string]bool, len(runs))
	serialized := true
	for _, id := range runs {
		if seen[id] {
			serialized = false
		}
		seen[id] = true
	}
	trace.mu.Lock()
	tokens := len(trace.order)
	trace.mu.Unlock()

	return &benchReport{
		Conversations: n,
		Tokens:        tokens,
		Elapsed:       elapsed,
		Serialized:    serialized,
		Order:         runs,
		Results:       results,
		Dropped:       a.bus.Dropped(),
	}, nil
}

func printBench(w io.Writer, rep *benchReport) {
	printHeader(w, fmt.Sprintf("Bench: %d conversations", rep.Conversations))

	results := append([]agent.Result(nil), rep.Results...)
	sort.Slice(results, func(i, j int) bool { return results[i].Elapsed < results[j].Elapsed })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tOUTCOME\tITERATIONS\tELAPSED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ConversationID, r.Outcome, r.Iterations, r.Elapsed.Round(time.Millisecond))
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Wall time:   %s\n", rep.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Tokens:      %d", rep.Tokens)
	if rate := rep.Rate(); rate > 0 {
		fmt.Fprintf(w, " (%.0f tok/s)", rate)
	}
	fmt.Fprintln(w)
	if rep.Dropped > 0 {
		fmt.Fprintf(w, "Dropped:     %d events\n", rep.Dropped)
	}
	fmt.Fprintf(w, "Generation order: %s\n", strings.Join(rep.Order, " → "))
	if rep.Serialized {
		fmt.Fprintf(w, "%s generations ran one at a time\n", color.GreenString("✓"))
	} else {
		fmt.Fprintf(w, "%s token streams interleaved\n", color.RedString("✗"))
	}
}
