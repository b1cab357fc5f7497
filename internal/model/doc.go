// Package model defines the payload and subscription types shared by the
// streaming layer and its transports.
//
// Conventions:
//   - Inbound messages are a sum type: Message carries exactly one Payload,
//     discriminated by Kind. Consumers switch on the concrete type.
//   - Prices are Quotation (decimal.Decimal), never float64.
//   - Timestamps are time.Time in UTC.
//   - Members are compared by value (ID + parameters) and are safe map keys.
package model
