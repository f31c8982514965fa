// route_diff add/remove semantics.
//
// The cloudvpn implementation this package's format is distilled from
// (original_source/src/comm.cpp) decides whether a route_diff entry adds or
// removes a route by inspecting the advertised ping value, conflating "this
// route is reachable with cost N" and "this route is no longer reachable".
// That is ambiguous to reimplement faithfully (see spec.md Open Question c),
// so this package resolves it explicitly: a route_diff Header's Special byte
// is 0 for a merge/update batch and 1 for a removal batch. route_set never
// uses Special (always 0); only route_diff does.
package wire
