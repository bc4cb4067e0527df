// Command paymentctl submits payment commands and inspects the system from
// an operator shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/payflow/internal/application/command"
	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/cassiomorais/payflow/internal/bootstrap"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const usage = `usage: paymentctl <command> [flags]

commands:
  pay            submit a payment (-sync runs it in-process)
  refund         submit a refund (-sync runs it in-process)
  status <id>    print a payment with its refunds
  dead-letters   list dead-lettered outbox events
  requeue <id>   return a dead-lettered event to the outbox`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "paymentctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, args []string) error {
	var cmd func(context.Context, *bootstrap.Services, []string) error
	switch name {
	case "pay":
		cmd = pay
	case "refund":
		cmd = refund
	case "status":
		cmd = status
	case "dead-letters":
		cmd = deadLetters
	case "requeue":
		cmd = requeue
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", name, usage)
	}

	app, err := bootstrap.New(ctx, "paymentctl", "payflow_ctl")
	if err != nil {
		return err
	}
	defer app.Close()

	svc, err := app.Build(ctx, bootstrap.Wiring{})
	if err != nil {
		return err
	}
	return cmd(ctx, svc, args)
}

func pay(ctx context.Context, svc *bootstrap.Services, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	var in paymentApp.ProcessPaymentInput
	fs.StringVar(&in.IdempotencyKey, "key", "", "Idempotency key (random when empty)")
	fs.StringVar(&in.CustomerID, "customer", "", "Customer ID")
	fs.StringVar(&in.Amount, "amount", "", "Decimal amount, e.g. 12.50")
	fs.StringVar(&in.Currency, "currency", "USD", "ISO 4217 currency")
	fs.StringVar(&in.Method, "method", "credit_card", "Payment method")
	fs.StringVar(&in.Provider, "provider", "", "Provider (configured default when empty)")
	fs.StringVar(&in.Token, "token", "", "Provider token")
	sync := fs.Bool("sync", false, "Process in-process instead of enqueueing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}

	if *sync {
		res, err := svc.Process.Execute(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	return submit(ctx, svc.Publisher, command.ProcessPayment, in.IdempotencyKey, in)
}

func refund(ctx context.Context, svc *bootstrap.Services, args []string) error {
	fs := flag.NewFlagSet("refund", flag.ContinueOnError)
	var in paymentApp.RefundPaymentInput
	fs.StringVar(&in.IdempotencyKey, "key", "", "Idempotency key (random when empty)")
	fs.StringVar(&in.PaymentID, "payment", "", "Payment ID")
	fs.StringVar(&in.Amount, "amount", "", "Decimal amount (remaining balance when empty)")
	fs.StringVar(&in.Reason, "reason", "", "Refund reason")
	sync := fs.Bool("sync", false, "Process in-process instead of enqueueing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}

	if *sync {
		res, err := svc.Refund.Execute(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	return submit(ctx, svc.Publisher, command.RefundPayment, in.IdempotencyKey, in)
}

func submit(ctx context.Context, pub command.Publisher, name, key string, payload any) error {
	env, err := command.NewEnvelope(name, key, payload)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if err := pub.Publish(ctx, env, headers); err != nil {
		return err
	}
	return printJSON(map[string]string{
		"command":         env.Command,
		"command_id":      env.CommandID,
		"idempotency_key": env.IdempotencyKey,
		"status":          "enqueued",
	})
}

func status(ctx context.Context, svc *bootstrap.Services, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	view, err := svc.Status.Execute(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func deadLetters(ctx context.Context, svc *bootstrap.Services, args []string) error {
	fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "Maximum events to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	items, err := svc.DeadLetters.List(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(items)
}

func requeue(ctx context.Context, svc *bootstrap.Services, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	if err := svc.DeadLetters.Requeue(ctx, id); err != nil {
		return err
	}
	return printJSON(map[string]string{"id": id.String(), "status": "requeued"})
}

func argID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, errors.New("expected exactly one id argument")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
