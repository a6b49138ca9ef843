package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/paygate/internal/activity/wsport"
	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/callbacks"
	"github.com/rcourtman/paygate/internal/flows"
	"github.com/rcourtman/paygate/internal/runtime"
)

var (
	offersSurfaceURL  string
	offersProduct     string
	offersSkus        []string
	offersOldSku      string
	offersMetricsAddr string
	offersTimeout     time.Duration
)

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "Run an offers flow against a websocket surface",
	Long: `Open the offers surface through a websocket surface server and wait until
the reader completes or dismisses it. With --old-sku the flow offers a
subscription change instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		surfaceURL := offersSurfaceURL
		if surfaceURL == "" {
			surfaceURL = cfg.SurfaceURL
		}
		if surfaceURL == "" {
			return errors.New("no surface URL: pass --surface-url or set PAYGATE_SURFACE_URL")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if offersTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, offersTimeout)
			defer cancel()
		}
		status := &flowStatus{}
		status.set(flows.FlowShowOffers, "starting")
		if offersMetricsAddr != "" {
			if _, err := startStatusServer(ctx, offersMetricsAddr, status); err != nil {
				return fmt.Errorf("start status server: %w", err)
			}
		}

		rt := runtime.New(cfg, runtime.Collaborators{Opener: wsport.NewOpener(surfaceURL)})
		defer func() {
			if err := rt.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close runtime")
			}
		}()
		if err := rt.Init(offersProduct); err != nil {
			return err
		}
		return runOffers(ctx, cmd, rt, status)
	},
}

func init() {
	offersCmd.Flags().StringVar(&offersSurfaceURL, "surface-url", "", "Websocket surface server (defaults to PAYGATE_SURFACE_URL)")
	offersCmd.Flags().StringVar(&offersProduct, "product", "", "Product id, publication:label")
	offersCmd.Flags().StringSliceVar(&offersSkus, "skus", nil, "SKUs to offer")
	offersCmd.Flags().StringVar(&offersOldSku, "old-sku", "", "Current SKU when changing a subscription")
	offersCmd.Flags().StringVar(&offersMetricsAddr, "metrics-addr", "", "Serve /metrics and /status on this address while the flow runs")
	offersCmd.Flags().DurationVar(&offersTimeout, "timeout", 10*time.Minute, "Give up after this long; 0 waits forever")
	_ = offersCmd.MarkFlagRequired("product")
}

func runOffers(ctx context.Context, cmd *cobra.Command, rt *runtime.Runtime, status *flowStatus) error {
	out := cmd.OutOrStdout()
	ended := make(chan string, 1)
	finish := func(outcome string) {
		status.set(flows.FlowShowOffers, outcome)
		select {
		case ended <- outcome:
		default:
		}
	}

	rt.SetOnFlowCanceled(func(e callbacks.FlowEvent) {
		if e.Flow == flows.FlowShowOffers {
			finish("canceled")
		}
	})
	rt.SetOnFlowCompleted(func(e callbacks.FlowEvent) {
		if e.Flow == flows.FlowShowOffers {
			finish("completed")
		}
	})
	rt.SetOnPaymentResponse(func(p *async.Promise[*callbacks.PaymentResponse]) {
		resp, err := p.Wait(ctx)
		if err != nil {
			fmt.Fprintf(out, "payment failed: %v\n", err)
			finish("payment failed")
			return
		}
		if err := resp.Complete(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to complete payment")
		}
		_ = writeJSON(out, map[string]any{
			"productType": resp.ProductType,
			"orderId":     resp.PurchaseData.OrderID,
			"oldSku":      resp.OldSku,
		})
		finish("purchased")
	})

	req := &flows.OffersRequest{Skus: offersSkus, OldSku: offersOldSku}
	var err error
	if offersOldSku != "" {
		err = rt.ShowUpdateOffers(ctx, req)
	} else {
		err = rt.ShowOffers(ctx, req)
	}
	if err != nil {
		status.set(flows.FlowShowOffers, "failed")
		return err
	}
	status.set(flows.FlowShowOffers, "open")

	select {
	case outcome := <-ended:
		fmt.Fprintf(out, "offers flow %s\n", outcome)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
