package payment

import (
	"time"

	"github.com/cucumber/godog"
)

// TestContext defines the methods these steps need from the main test context.
type TestContext interface {
	POST(path string, body any) error
	ReservationID() string
	StageChainTx(chainID, txHash string, failed bool) error
	WaitForReservationStatus(status string, timeout time.Duration) error
}

// RegisterSteps registers payment settlement steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &paymentSteps{tc: tc}

	ctx.Step(`^a chain transaction "([^"]*)" on "([^"]*)" exists$`, steps.stageChainTx)
	ctx.Step(`^a failed chain transaction "([^"]*)" on "([^"]*)" exists$`, steps.stageFailedChainTx)
	ctx.Step(`^I submit payment reference "([^"]*)" on "([^"]*)"$`, steps.submitPaymentReference)
	ctx.Step(`^the reservation becomes "([^"]*)" within (\d+) seconds$`, steps.waitForStatus)
}

type paymentSteps struct {
	tc TestContext
}

func (s *paymentSteps) stageChainTx(txHash, chainID string) error {
	return s.tc.StageChainTx(chainID, txHash, false)
}

func (s *paymentSteps) stageFailedChainTx(txHash, chainID string) error {
	return s.tc.StageChainTx(chainID, txHash, true)
}

func (s *paymentSteps) submitPaymentReference(txHash, chainID string) error {
	return s.tc.POST("/reservations/"+s.tc.ReservationID()+"/payment", map[string]any{
		"chain_id": chainID,
		"tx_hash":  txHash,
	})
}

func (s *paymentSteps) waitForStatus(status string, seconds int) error {
	return s.tc.WaitForReservationStatus(status, time.Duration(seconds)*time.Second)
}
