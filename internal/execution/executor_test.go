package execution

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kite-autotrader/internal/broker/brokertest"
	apperrors "kite-autotrader/internal/errors"
	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

const future = "NIFTY25OCTFUT"

func newTestExecutor(fake *brokertest.Fake, lots int) (*Executor, *utils.ManualClock) {
	clock := utils.NewManualClock(time.Date(2025, 10, 6, 4, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Lots = lots
	return NewExecutor(fake, nil, clock, cfg, zerolog.Nop()), clock
}

func seedInstruments(fake *brokertest.Fake) {
	fake.Instruments[models.NFO] = []models.Instrument{
		{Symbol: future, Name: "NIFTY", Exchange: models.NFO, LotSize: 75, TickSize: 0.05, InstrType: models.InstrumentFuture},
		{Symbol: "NIFTY25OCT26000CE", Name: "NIFTY", Exchange: models.NFO, LotSize: 75, TickSize: 0.05, Strike: 26000, InstrType: models.InstrumentCall},
	}
}

func TestEnter_SizesByLot(t *testing.T) {
	fake := brokertest.NewFake()
	seedInstruments(fake)
	exec, _ := newTestExecutor(fake, 2)

	res, err := exec.Enter(context.Background(), models.NFO, future, models.DirectionLong)
	if err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if res.Side != models.OrderSideBuy || res.Quantity != 150 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := fake.Position(models.NFO, future); got != 150 {
		t.Errorf("position = %d, want 150", got)
	}
}

func TestEnter_DefaultLotWhenUnknown(t *testing.T) {
	fake := brokertest.NewFake()
	exec, _ := newTestExecutor(fake, 1)

	res, err := exec.Enter(context.Background(), models.NFO, "UNLISTED25OCTFUT", models.DirectionShort)
	if err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if res.Side != models.OrderSideSell || res.Quantity != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestEnter_FailureIsReturned(t *testing.T) {
	fake := brokertest.NewFake()
	fake.SetError("place_order", apperrors.ErrOrderRejected)
	exec, _ := newTestExecutor(fake, 1)

	_, err := exec.Enter(context.Background(), models.NFO, future, models.DirectionLong)
	if apperrors.KindOf(err) != apperrors.KindRejected {
		t.Errorf("expected rejected kind, got %v", err)
	}
}

func TestExit_ConfirmsFlat(t *testing.T) {
	fake := brokertest.NewFake()
	fake.SetPosition(models.NFO, future, 10)
	exec, clock := newTestExecutor(fake, 1)

	res, err := exec.Exit(context.Background(), models.NFO, future, 10)
	if err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if res.Side != models.OrderSideSell || res.Quantity != 10 {
		t.Errorf("unexpected result %+v", res)
	}
	if clock.Slept() != 0 {
		t.Errorf("immediate fill should not wait, slept %v", clock.Slept())
	}
}

func TestExit_ShortCoversWithBuy(t *testing.T) {
	fake := brokertest.NewFake()
	fake.SetPosition(models.NFO, future, -75)
	exec, _ := newTestExecutor(fake, 1)

	res, err := exec.Exit(context.Background(), models.NFO, future, -75)
	if err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if res.Side != models.OrderSideBuy || res.Quantity != 75 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExit_ConfirmationTimeout(t *testing.T) {
	fake := brokertest.NewFake()
	fake.FillOnPlace = false
	fake.SetPosition(models.NFO, future, 10)
	exec, clock := newTestExecutor(fake, 1)

	_, err := exec.Exit(context.Background(), models.NFO, future, 10)
	if !errors.Is(err, apperrors.ErrConfirmationTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if clock.Slept() != 9*time.Second {
		t.Errorf("slept %v, want 9s across 10 attempts", clock.Slept())
	}
}

func TestExit_FlatAfterSomePolls(t *testing.T) {
	fake := brokertest.NewFake()
	fake.FillOnPlace = false
	fake.PositionFn = func(symbol string, call int) (int, error) {
		if call < 3 {
			return 10, nil
		}
		return 0, nil
	}
	exec, clock := newTestExecutor(fake, 1)

	if _, err := exec.Exit(context.Background(), models.NFO, future, 10); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if clock.Slept() != 3*time.Second {
		t.Errorf("slept %v, want 3s", clock.Slept())
	}
}

func TestPlaceLimitConfirmed_CancelsAndRetries(t *testing.T) {
	const option = "NIFTY25OCT26000CE"
	fake := brokertest.NewFake()
	seedInstruments(fake)
	fake.Depths["NFO:"+option] = &models.Depth{
		Symbol: option,
		LTP:    40.2,
		Buy:    []models.DepthLevel{{Price: 40.05, Quantity: 750}},
		Sell:   []models.DepthLevel{{Price: 40.5, Quantity: 300}},
	}
	fake.OrderStatusFn = func(orderID string, call int) (string, error) {
		switch {
		case call < 5:
			return models.OrderStatusOpen, nil
		case call == 5:
			return models.OrderStatusCancelled, nil
		}
		return models.OrderStatusComplete, nil
	}
	exec, _ := newTestExecutor(fake, 1)

	res, err := exec.PlaceLimitConfirmed(context.Background(), models.NFO, option, models.OrderSideSell, 75)
	if err != nil {
		t.Fatalf("PlaceLimitConfirmed() error = %v", err)
	}
	if math.Abs(res.Price-40.05) > 1e-9 || res.Status != models.OrderStatusComplete {
		t.Errorf("unexpected result %+v", res)
	}
	if len(fake.Cancelled) != 1 {
		t.Errorf("expected one cancel, got %v", fake.Cancelled)
	}
	orders := fake.PlacedOrders()
	if len(orders) != 2 || orders[0].Type != models.OrderTypeLimit {
		t.Errorf("expected two limit orders, got %+v", orders)
	}
}

func TestPlaceLimitConfirmed_RejectedExhaustsAttempts(t *testing.T) {
	const option = "NIFTY25OCT26000CE"
	fake := brokertest.NewFake()
	seedInstruments(fake)
	fake.Prices["NFO:"+option] = 40
	fake.OrderStatusFn = func(string, int) (string, error) {
		return models.OrderStatusRejected, nil
	}
	exec, _ := newTestExecutor(fake, 1)

	_, err := exec.PlaceLimitConfirmed(context.Background(), models.NFO, option, models.OrderSideBuy, 75)
	if !errors.Is(err, apperrors.ErrOrderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := len(fake.PlacedOrders()); got != 3 {
		t.Errorf("placed %d orders, want 3", got)
	}
	if len(fake.Cancelled) != 0 {
		t.Errorf("terminal orders should not be cancelled")
	}
}
