// Package convert maps aggregated conversation entries to the normalized
// role/content message shape expected by language-model chat APIs, skipping
// display-only entries and flagging shape problems without ever failing the
// whole conversion.
package convert
