// Package traceparent implements the W3C trace-context "traceparent" header
// (https://www.w3.org/TR/trace-context/) used to correlate tunneled
// connections across proxy hops.
//
// Only the fixed version-00 layout is supported:
//
//	vv-tttttttttttttttttttttttttttttttt-pppppppppppppppp-ff
//
// which is always exactly 55 ASCII characters.
package traceparent
