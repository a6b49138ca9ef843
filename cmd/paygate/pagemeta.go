package main

import (
	"errors"

	"github.com/spf13/cobra"

	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/pagemeta"
)

var pagemetaPage string

var pagemetaCmd = &cobra.Command{
	Use:   "pagemeta",
	Short: "Print the subscription metadata declared by a page",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readPage(pagemetaPage)
		if err != nil {
			return err
		}
		out := metadata{
			Lang:              doc.Lang(),
			AccessibleForFree: doc.AccessibleForFree(),
		}
		out.ProductID, _ = doc.ProductID()
		out.PublisherName, _ = doc.PublisherName()

		page, err := pagemeta.Resolve(doc)
		switch {
		case err == nil:
			out.Config = describePage(page)
		case !errors.Is(err, paygateerrors.ErrNoPageConfig):
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	pagemetaCmd.Flags().StringVar(&pagemetaPage, "page", "", "HTML file of the page (- for stdin)")
	_ = pagemetaCmd.MarkFlagRequired("page")
}

type metadata struct {
	Config            *pageInfo `json:"config,omitempty"`
	ProductID         string    `json:"productId,omitempty"`
	PublisherName     string    `json:"publisherName,omitempty"`
	Lang              string    `json:"lang,omitempty"`
	AccessibleForFree bool      `json:"accessibleForFree"`
}
