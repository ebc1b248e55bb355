package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayment returns the hex HMAC-SHA256 of "orderId|paymentId".
func SignPayment(secret, orderID, paymentID string) string {
	return sign(secret, []byte(orderID+"|"+paymentID))
}

// VerifyPaymentSignature reports whether signature is the payment signature
// for (orderID, paymentID). An empty secret or signature never verifies.
func VerifyPaymentSignature(secret, orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return verify(secret, []byte(orderID+"|"+paymentID), signature)
}

// SignWebhook returns the hex HMAC-SHA256 of the raw webhook body.
func SignWebhook(secret string, body []byte) string {
	return sign(secret, body)
}

// VerifyWebhookSignature checks signature against the exact bytes received.
// Callers must not re-serialize the body first.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	return verify(secret, body, signature)
}

func sign(secret string, msg []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}

// verify compares the encoded form, so case changes in the hex also fail.
func verify(secret string, msg []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(sign(secret, msg)), []byte(signature))
}
