// Package gcm delivers messages over the legacy GCM/FCM HTTP protocol.
//
// The dispatcher only deals in GCM concepts: a list of registration ids,
// a collapse key, and the key/value data to send. Recipients are split
// into batches of at most 1000 registration ids, each batch is POSTed to
// the provider endpoint, and the per-slot results are reconciled back
// onto the recipients positionally before a single outcome is reported.
package gcm
