// Package lua provides Redis-compatible Lua script execution for EVAL and
// EVALSHA.
//
// Scripts see the KEYS and ARGV tables and a redis table with call, pcall,
// status_reply and error_reply. Commands issued by a script are handed to a
// Caller, so the command engine decides how they are executed and
// replicated. Replies are converted between RESP and Lua with the same rules
// Redis uses.
//
// Scripts run in a sandbox with only the base, table, string and math
// libraries loaded.
package lua
