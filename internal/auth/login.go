package auth

// Authenticator runs the two-step operator login: issue a nonce, then
// trade a signature over it for a bearer token.
type Authenticator struct {
	Operators  Operators
	Challenges *Challenges
	Token      TokenConfig
}

func (a *Authenticator) Begin(operator string) (Challenge, error) {
	if _, ok := a.Operators[operator]; !ok {
		return Challenge{}, ErrUnknownOperator
	}
	return a.Challenges.Issue(operator)
}

func (a *Authenticator) Complete(operator, challengeID, signatureB64 string) (string, error) {
	key, ok := a.Operators[operator]
	if !ok {
		return "", ErrUnknownOperator
	}
	ch, err := a.Challenges.Redeem(challengeID, operator)
	if err != nil {
		return "", err
	}
	if err := VerifySignature(key, ch.Nonce, signatureB64); err != nil {
		return "", err
	}
	return CreateToken(operator, a.Token)
}
