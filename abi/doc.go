// Package abi converts between Go values and the flat core values of a
// guest export, for the subset of WIT types typed calls carry: the
// primitive numbers, bool, char and string.
//
// Signatures come from WIT declarations such as
//
//	run: func(name: string) -> string;
//
// Results wider than one core value are read through a return pointer the
// export hands back. String arguments are copied into guest memory with an
// Allocator, normally backed by the guest's cabi_realloc.
package abi
