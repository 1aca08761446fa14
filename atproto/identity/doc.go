/*
Package identity provides types and routines for resolving handles and DIDs from the network

The main abstractions are a Resolver interface for resolution implementations, and an Identity struct which represents the identity information relevant to an atproto OAuth login: the account DID, the verified handle, and the account's PDS endpoint. Resolvers can be nested, somewhat like HTTP middleware, to provide caching (CacheResolver, redisdir.RedisResolver) around the network implementation (BaseResolver).
*/
package identity
