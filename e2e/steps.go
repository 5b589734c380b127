package e2e

import (
	"github.com/cucumber/godog"

	"salecore/e2e/steps/common"
	"salecore/e2e/steps/payment"
	"salecore/e2e/steps/reservation"
)

// RegisterSteps registers all step definitions from the modular packages.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	reservation.RegisterSteps(ctx, tc)
	payment.RegisterSteps(ctx, tc)
}
