// Package otp generates one-time codes and delivers them out of band.
//
// Delivery is a blocking call made while a session waits in its key
// authentication step. HTTPSender retries with exponential backoff until
// the delivery service answers 200, the attempt budget runs out, or the
// context is cancelled.
package otp
