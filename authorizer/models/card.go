package models

// Card links a Luhn-valid card number to an account. PinCryptogram is the
// reference PIN encrypted under the security module's master key; it stays
// nil until a PIN is assigned. All mutation goes through the authorizer.
type Card struct {
	Number        string
	AccountNumber string
	PinCryptogram []byte
	Blocked       bool
}
