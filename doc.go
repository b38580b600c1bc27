// Package lynx contains the core APIs for instantiating a LYNX node.
//
// LYNX establishes authenticated, encrypted channels between peers
// that usually sit behind NATs or firewalls.
// Reachability strategies (direct dial, coordinated hole punch, relay)
// are raced in a configurable staggered order;
// the first transport to come up is upgraded to a mutually
// authenticated channel bound to the requested peer identity.
//
// A [Node] owns the strategy drivers, the handshake engine,
// and the connection table mapping peer identities to live channels.
package lynx
