package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/gaa"
	"github.com/rcourtman/paygate/internal/metering"
	"github.com/rcourtman/paygate/internal/pagemeta"
)

var (
	decidePage        string
	decideState       string
	decideURL         string
	decideReferrer    string
	decideShowcase    string
	decidePaywallType string
	decideAllowed     []string
)

const maxInputBytes int64 = 8 << 20 // 8 MiB

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Print the access decision for a page view",
	Long: `Resolve the page configuration from an HTML file and print the metering
outcome for the given reader state as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readPage(decidePage)
		if err != nil {
			return err
		}
		state, err := readUserState(decideState)
		if err != nil {
			return err
		}
		loc, err := url.Parse(decideURL)
		if err != nil {
			return fmt.Errorf("invalid page URL: %w", err)
		}

		now := time.Now()
		res := decision{
			GAA:     gaa.IsGaa(loc.Query(), decideReferrer, decideAllowed, now),
			Outcome: metering.Decide(state, doc.AccessibleForFree(), decideShowcase, metering.PaywallType(decidePaywallType), now),
		}
		page, err := pagemeta.Resolve(doc)
		switch {
		case err == nil:
			res.Page = describePage(page)
		case !errors.Is(err, paygateerrors.ErrNoPageConfig):
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	decideCmd.Flags().StringVar(&decidePage, "page", "", "HTML file of the page (- for stdin)")
	decideCmd.Flags().StringVar(&decideState, "state", "", "JSON file with the publisher's user state")
	decideCmd.Flags().StringVar(&decideURL, "url", "", "Page URL including its query")
	decideCmd.Flags().StringVar(&decideReferrer, "referrer", "", "Referrer of the page view")
	decideCmd.Flags().StringVar(&decideShowcase, "showcase", "", "Signed showcase entitlement, if any")
	decideCmd.Flags().StringVar(&decidePaywallType, "paywall-type", string(metering.PaywallClientSide), "CLIENT_SIDE or SERVER_SIDE")
	decideCmd.Flags().StringSliceVar(&decideAllowed, "allowed-referrer", nil, "Extra referrer host patterns that may grant access")
	_ = decideCmd.MarkFlagRequired("page")
	_ = decideCmd.MarkFlagRequired("url")
}

type pageInfo struct {
	PublicationID string `json:"publicationId"`
	ProductID     string `json:"productId,omitempty"`
	Label         string `json:"label,omitempty"`
	Locked        bool   `json:"locked"`
}

type decision struct {
	Page    *pageInfo        `json:"page,omitempty"`
	GAA     bool             `json:"gaa"`
	Outcome metering.Outcome `json:"outcome"`
}

func describePage(c *pagemeta.PageConfig) *pageInfo {
	return &pageInfo{
		PublicationID: c.PublicationID(),
		ProductID:     c.ProductID(),
		Label:         c.Label(),
		Locked:        c.Locked(),
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func readPage(path string) (*pagemeta.Document, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	doc, err := pagemeta.Parse(io.LimitReader(in, maxInputBytes))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", path, err)
	}
	return doc, nil
}

// readUserState reads the publisher's view of the reader. An empty path
// means no state was supplied.
func readUserState(path string) (*metering.UserState, error) {
	if path == "" {
		return nil, nil
	}
	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	var state metering.UserState
	if err := json.NewDecoder(io.LimitReader(in, maxInputBytes)).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode user state %s: %w", path, err)
	}
	return &state, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
