package reservation

import (
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext defines the methods these steps need from the main test context.
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	StatusCode() int
	GetResponseField(field string) (any, error)
	SaleID() string
	SaveReservationID() error
	ReservationID() string
	SetBuyerKYC(state string, tier int, restricted bool) error
}

// RegisterSteps registers reservation lifecycle steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &reservationSteps{tc: tc}

	ctx.Step(`^my verification status is "([^"]*)" at tier (\d+)$`, steps.setKYC)
	ctx.Step(`^I am on the restriction list$`, steps.setRestricted)
	ctx.Step(`^I reserve (\d+) "([^"]*)" over the "([^"]*)" rail$`, steps.reserve)
	ctx.Step(`^I reserve with rail "([^"]*)" and amount "([^"]*)"$`, steps.reserveRaw)
	ctx.Step(`^I save the reservation id$`, steps.saveReservationID)
	ctx.Step(`^I fetch my reservation$`, steps.fetchReservation)
	ctx.Step(`^I cancel my reservation$`, steps.cancelReservation)
	ctx.Step(`^I list my reservations$`, steps.listReservations)
	ctx.Step(`^I fetch the sale$`, steps.fetchSale)
}

type reservationSteps struct {
	tc TestContext
}

func (s *reservationSteps) setKYC(state string, tier int) error {
	return s.tc.SetBuyerKYC(state, tier, false)
}

func (s *reservationSteps) setRestricted() error {
	return s.tc.SetBuyerKYC("verified", 3, true)
}

func (s *reservationSteps) reserve(amount int, currency, rail string) error {
	return s.post(rail, fmt.Sprintf("%d", amount), currency)
}

func (s *reservationSteps) reserveRaw(rail, amount string) error {
	return s.post(rail, amount, "USD")
}

func (s *reservationSteps) post(rail, amount, currency string) error {
	body := map[string]any{
		"rail":                rail,
		"spend_currency":      currency,
		"spend_amount":        amount,
		"destination_address": "0x00e2e0000000000000000000000000000000dead",
	}
	return s.tc.POST("/sales/"+s.tc.SaleID()+"/reservations", body)
}

func (s *reservationSteps) saveReservationID() error {
	return s.tc.SaveReservationID()
}

func (s *reservationSteps) fetchReservation() error {
	return s.tc.GET("/reservations/" + s.tc.ReservationID())
}

func (s *reservationSteps) cancelReservation() error {
	return s.tc.POST("/reservations/"+s.tc.ReservationID()+"/cancel", nil)
}

func (s *reservationSteps) listReservations() error {
	return s.tc.GET("/reservations")
}

func (s *reservationSteps) fetchSale() error {
	return s.tc.GET("/sales/" + s.tc.SaleID())
}
